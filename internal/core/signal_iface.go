package core

import (
	"context"

	"github.com/studymate-app/studymate/internal/domain"
)

// SignalingChannel is the negotiation sub-protocol layered on one shared
// session document: one field per side's description plus two growable
// candidate lists. Reads arrive only as full-session snapshots.
type SignalingChannel interface {
	// PublishOffer starts a fresh round: it replaces the whole signaling
	// object, clearing the previous answer and both candidate histories.
	PublishOffer(ctx context.Context, sdp string) error
	PublishAnswer(ctx context.Context, sdp string) error
	// AppendCandidate adds one locally discovered candidate to the list
	// owned by role. Lists only ever grow within a round.
	AppendCandidate(ctx context.Context, role domain.Role, cand domain.Candidate) error
	Subscribe(ctx context.Context, fn SnapshotFunc) (func(), error)
}
