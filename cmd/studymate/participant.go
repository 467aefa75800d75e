package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/studymate-app/studymate/internal/adapters/media"
	"github.com/studymate-app/studymate/internal/adapters/rtc"
	"github.com/studymate-app/studymate/internal/config"
	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
	"github.com/studymate-app/studymate/internal/sessionsync"
	"github.com/studymate-app/studymate/internal/signaling"
	"github.com/studymate-app/studymate/internal/voice"
)

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "Create (or attach to) a session and start a voice round as initiator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "attach to an existing session id instead of creating one"},
			&cli.StringFlag{Name: "file-name", Usage: "document name for a new session", Value: "untitled.pdf"},
			&cli.StringFlag{Name: "pdf-url", Usage: "document URL for a new session"},
			&cli.StringFlag{Name: "email", Usage: "creator email recorded on a new session"},
			&cli.BoolFlag{Name: "muted", Usage: "start with local audio muted"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runParticipant(ctx, c, domain.RoleInitiator)
		},
	}
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:  "join",
		Usage: "Join a shared session as the voice joiner",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "session id from the share link", Required: true},
			&cli.BoolFlag{Name: "muted", Usage: "start with local audio muted"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runParticipant(ctx, c, domain.RoleJoiner)
		},
	}
}

func runParticipant(ctx context.Context, c *cli.Command, role domain.Role) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sid, err := resolveSession(ctx, c, st, role)
	if err != nil {
		return err
	}

	sync := sessionsync.New(st, sid)
	channel := signaling.NewChannel(st, sid)
	neg := voice.NewNegotiator(
		sid, role, channel,
		rtc.Factory(rtc.Config(cfg.STUNServers)),
		media.FileFactory(cfg.Audio.InputPath),
		media.NewOggPlayback(cfg.Audio.OutputDir),
	)
	neg.SetMuted(c.Bool("muted"))

	// One subscription feeds both layers; page/notes and voice signaling
	// share the document and its snapshot stream.
	unsubscribe, err := st.Subscribe(ctx, sid, func(snap core.Snapshot) {
		sync.OnSnapshot(snap)
		neg.OnSnapshot(ctx, snap)
	})
	if err != nil {
		return fmt.Errorf("subscribe session: %w", err)
	}
	defer unsubscribe()

	if role == domain.RoleInitiator {
		if err := neg.StartVoice(ctx); err != nil {
			return fmt.Errorf("start voice: %w", err)
		}
	}

	log.Info().
		Str("session", string(sid)).
		Str("role", string(role)).
		Str("share_url", "/studyroom/"+string(sid)).
		Msg("participant running, Ctrl-C to leave")

	<-ctx.Done()
	neg.EndVoice()
	return nil
}

func resolveSession(ctx context.Context, c *cli.Command, st core.Store, role domain.Role) (domain.SessionID, error) {
	if id := c.String("session"); id != "" {
		if _, err := st.Get(ctx, domain.SessionID(id)); err != nil {
			return "", fmt.Errorf("resolve session %q: %w", id, err)
		}
		return domain.SessionID(id), nil
	}
	if role != domain.RoleInitiator {
		return "", fmt.Errorf("joining requires --session")
	}

	sid := domain.SessionID(uuid.NewString())
	sess, err := domain.NewSession(sid, c.String("file-name"), c.String("pdf-url"), domain.Creator{
		UID:   uuid.NewString(),
		Email: c.String("email"),
	})
	if err != nil {
		return "", err
	}
	if err := st.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	log.Info().Str("session", string(sid)).Msg("session created")
	return sid, nil
}
