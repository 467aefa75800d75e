package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/studymate-app/studymate/internal/adapters/httpapi"
	"github.com/studymate-app/studymate/internal/config"
	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the session API server",
		Action: runServe,
	}
}

func runServe(ctx context.Context, _ *cli.Command) error {
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

	r := httpapi.SetupRouter(ctx, cfg, st)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("StudyMate server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (core.Store, func(), error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemory(), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return store.NewRedis(rdb), func() { _ = rdb.Close() }, nil
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Store.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("connect firestore: %w", err)
		}
		return store.NewFirestore(client, cfg.Store.Firestore.Collection), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
