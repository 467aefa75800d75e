package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// OggPlayback writes each remote audio track to an ogg file under dir.
// It stands in for a speaker; a failure to open the sink is the headless
// analogue of an autoplay rejection and is logged by the caller, never
// fatal to the voice round.
type OggPlayback struct {
	dir string
}

func NewOggPlayback(dir string) *OggPlayback {
	return &OggPlayback{dir: dir}
}

func (p *OggPlayback) Play(ctx context.Context, track *webrtc.TrackRemote) error {
	name := fmt.Sprintf("remote-%s-%d.ogg", track.ID(), time.Now().Unix())
	w, err := oggwriter.New(filepath.Join(p.dir, name), opusSampleRate, 2)
	if err != nil {
		return fmt.Errorf("open playback sink: %w", err)
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		pkt, _, err := track.ReadRTP()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read remote audio: %w", err)
		}
		if err := w.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write playback sink: %w", err)
		}
	}
}
