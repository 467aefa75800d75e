package core

import (
	"context"

	"github.com/studymate-app/studymate/internal/domain"
)

// Snapshot is one full projection of a session document. Exists is false
// when the subscribed document is missing; handlers must no-op then.
type Snapshot struct {
	Exists  bool
	Session *domain.Session
}

type SnapshotFunc func(Snapshot)

// Store is the document store sessions live in. All coordination between
// participants flows through it; there is no direct peer signaling link.
//
// Delivery semantics the rest of the system depends on: every subscriber
// eventually observes a monotonically advancing sequence of full-document
// snapshots reflecting committed writes, but rapid writes may coalesce into
// one observed snapshot. Consumers reconcile against the latest full state
// only, never against deltas.
type Store interface {
	Create(ctx context.Context, sess *domain.Session) error
	Get(ctx context.Context, id domain.SessionID) (*domain.Session, error)

	// Merge applies field-path level partial updates; untouched fields keep
	// their value. Paths are the domain.Field* constants.
	Merge(ctx context.Context, id domain.SessionID, fields map[string]any) error

	// AppendCandidates unions candidates into an array field. Candidates
	// already present (by value) are not duplicated.
	AppendCandidates(ctx context.Context, id domain.SessionID, field string, cands ...domain.Candidate) error

	QueryByCreator(ctx context.Context, uid string) ([]*domain.Session, error)

	// Subscribe delivers the current snapshot immediately, then one snapshot
	// per observed change. The returned func unsubscribes; canceling ctx
	// does too.
	Subscribe(ctx context.Context, id domain.SessionID, fn SnapshotFunc) (func(), error)
}
