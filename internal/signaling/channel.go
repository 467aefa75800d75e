// Package signaling layers the voice negotiation sub-protocol on top of the
// shared session document. There is no dedicated signaling server: every
// write is a partial merge against the document, and every read arrives as a
// full-session snapshot through the store subscription. The consumer is
// responsible for diffing what it has already seen.
package signaling

import (
	"context"
	"fmt"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

type Channel struct {
	store core.Store
	sid   domain.SessionID
}

func NewChannel(store core.Store, sid domain.SessionID) *Channel {
	return &Channel{store: store, sid: sid}
}

// PublishOffer delimits a fresh round. The whole signaling object is
// replaced, so the previous answer and both candidate histories are gone
// before any participant can observe the new offer.
func (c *Channel) PublishOffer(ctx context.Context, sdp string) error {
	err := c.store.Merge(ctx, c.sid, map[string]any{
		domain.FieldSignaling: domain.Signaling{
			Offer:          sdp,
			HostCandidates: []domain.Candidate{},
		},
	})
	if err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}

func (c *Channel) PublishAnswer(ctx context.Context, sdp string) error {
	err := c.store.Merge(ctx, c.sid, map[string]any{
		domain.FieldAnswer: sdp,
	})
	if err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

func (c *Channel) AppendCandidate(ctx context.Context, role domain.Role, cand domain.Candidate) error {
	if err := c.store.AppendCandidates(ctx, c.sid, role.CandidatesField(), cand); err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, fn core.SnapshotFunc) (func(), error) {
	return c.store.Subscribe(ctx, c.sid, fn)
}
