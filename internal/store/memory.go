// Package store provides the session document store backends. All of them
// share the same contract: field-level merges, array-union appends and a
// push subscription that delivers full-document snapshots.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

// Memory is an in-process Store. It is authoritative for tests and for
// single-process demos; both participants of a session can share one.
type Memory struct {
	mu      sync.RWMutex
	docs    map[domain.SessionID]*domain.Session
	subs    map[domain.SessionID]map[uint64]*memSubscriber
	nextSub uint64
}

// memSubscriber holds a buffer of one snapshot. Delivery replaces a pending
// snapshot instead of queueing, so rapid writes coalesce the same way the
// remote store's fan-out does.
type memSubscriber struct {
	ch   chan core.Snapshot
	stop chan struct{}
	once sync.Once
}

func (s *memSubscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[domain.SessionID]*domain.Session),
		subs: make(map[domain.SessionID]map[uint64]*memSubscriber),
	}
}

func (m *Memory) Create(_ context.Context, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[sess.ID]; ok {
		return domain.ErrSessionExists
	}
	m.docs[sess.ID] = sess.Clone()
	m.notifyLocked(sess.ID)
	return nil
}

func (m *Memory) Get(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) Merge(_ context.Context, id domain.SessionID, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	// Merge into a copy so a failing field commits nothing.
	next := doc.Clone()
	for path, value := range fields {
		if err := next.ApplyMergeField(path, value); err != nil {
			return fmt.Errorf("merge %q: %w", path, err)
		}
	}
	m.docs[id] = next
	m.notifyLocked(id)
	return nil
}

func (m *Memory) AppendCandidates(_ context.Context, id domain.SessionID, field string, cands ...domain.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	list, err := candidateList(&doc.Signaling, field)
	if err != nil {
		return err
	}
	*list = unionCandidates(*list, cands)
	m.notifyLocked(id)
	return nil
}

func (m *Memory) QueryByCreator(_ context.Context, uid string) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, doc := range m.docs {
		if doc.CreatedBy.UID == uid {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, id domain.SessionID, fn core.SnapshotFunc) (func(), error) {
	sub := &memSubscriber{
		ch:   make(chan core.Snapshot, 1),
		stop: make(chan struct{}),
	}

	m.mu.Lock()
	key := m.nextSub
	m.nextSub++
	if m.subs[id] == nil {
		m.subs[id] = make(map[uint64]*memSubscriber)
	}
	m.subs[id][key] = sub
	// Initial snapshot, also for documents that do not exist yet.
	sub.ch <- m.snapshotLocked(id)
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.subs[id], key)
		m.mu.Unlock()
		sub.close()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case <-sub.stop:
				return
			case snap := <-sub.ch:
				fn(snap)
			}
		}
	}()

	return unsubscribe, nil
}

func (m *Memory) snapshotLocked(id domain.SessionID) core.Snapshot {
	doc, ok := m.docs[id]
	if !ok {
		return core.Snapshot{}
	}
	return core.Snapshot{Exists: true, Session: doc.Clone()}
}

func (m *Memory) notifyLocked(id domain.SessionID) {
	snap := m.snapshotLocked(id)
	for _, sub := range m.subs[id] {
		select {
		case sub.ch <- snap:
		default:
			// Drop the stale pending snapshot, keep the latest.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}

func candidateList(sig *domain.Signaling, field string) (*[]domain.Candidate, error) {
	switch field {
	case domain.FieldHostCandidates:
		return &sig.HostCandidates, nil
	case domain.FieldGuestCandidates:
		return &sig.GuestCandidates, nil
	default:
		return nil, fmt.Errorf("append to %q: %w", field, domain.ErrUnknownField)
	}
}

// unionCandidates appends only candidates not already present, preserving
// arrival order, matching the remote store's array-union behavior.
func unionCandidates(existing, add []domain.Candidate) []domain.Candidate {
	seen := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		seen[c.Fingerprint()] = struct{}{}
	}
	for _, c := range add {
		fp := c.Fingerprint()
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		existing = append(existing, c)
	}
	return existing
}
