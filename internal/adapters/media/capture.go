// Package media provides the audio endpoints of a headless participant.
// Capture reads an opus-in-ogg file and paces it out as track samples;
// playback writes remote audio to an ogg sink. A missing source file is
// the headless equivalent of a denied microphone.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/studymate-app/studymate/internal/core"
)

const (
	opusFrameInterval = 20 * time.Millisecond
	opusSampleRate    = 48000
)

var ErrNoCaptureDevice = errors.New("no audio capture source")

// FileCapture loops an ogg/opus file into a local sample track.
type FileCapture struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewFileCapture(ctx context.Context, path string) (*FileCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCaptureDevice, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "studymate",
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create local track: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &FileCapture{
		track:  track,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.enabled.Store(true)
	go c.pump(ctx, f)
	return c, nil
}

// pump pages the ogg file out at frame rate, looping at EOF so a capture
// never runs dry mid-round. A disabled capture skips writing; the peer
// hears silence but the connection stays up.
func (c *FileCapture) pump(ctx context.Context, f *os.File) {
	defer close(c.done)
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("parse ogg source")
		return
	}

	ticker := time.NewTicker(opusFrameInterval)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				log.Error().Err(err).Str("module", "media").Msg("rewind ogg source")
				return
			}
			if ogg, _, err = oggreader.NewWith(f); err != nil {
				log.Error().Err(err).Str("module", "media").Msg("reopen ogg source")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("module", "media").Msg("read ogg page")
			return
		}

		sampleCount := pageHeader.GranulePosition - lastGranule
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration(float64(sampleCount)/opusSampleRate*1000) * time.Millisecond

		if !c.enabled.Load() {
			continue
		}
		if err := c.track.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("write sample")
			return
		}
	}
}

func (c *FileCapture) Track() webrtc.TrackLocal { return c.track }

func (c *FileCapture) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

func (c *FileCapture) Enabled() bool { return c.enabled.Load() }

func (c *FileCapture) Stop() {
	c.cancel()
	<-c.done
}

// FileFactory adapts NewFileCapture to the per-round factory the
// negotiator expects.
func FileFactory(path string) core.CaptureFactory {
	return func(ctx context.Context) (core.Capture, error) {
		return NewFileCapture(ctx, path)
	}
}
