// Package sessionsync propagates the shared page number and per-page notes
// through the session document, independent of voice state. There is no
// conflict resolution beyond last-writer-wins: whichever write the store
// commits last becomes visible to both participants.
package sessionsync

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

type Sync struct {
	store core.Store
	sid   domain.SessionID

	mu    sync.RWMutex
	page  int
	notes map[string]string
}

func New(store core.Store, sid domain.SessionID) *Sync {
	return &Sync{
		store: store,
		sid:   sid,
		page:  domain.MinPage,
		notes: make(map[string]string),
	}
}

func (s *Sync) Page() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page
}

func (s *Sync) Note(page int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notes[noteKey(page)]
}

// SetPage clamps to the first page and writes through. Write failures
// surface to the caller; no retry, the next action converges naturally.
func (s *Sync) SetPage(ctx context.Context, page int) error {
	page = domain.ClampPage(page)
	err := s.store.Merge(ctx, s.sid, map[string]any{domain.FieldPageNumber: page})
	if err != nil {
		return fmt.Errorf("set page: %w", err)
	}
	s.mu.Lock()
	s.page = page
	s.mu.Unlock()
	return nil
}

// Navigate moves by delta relative to the current page and returns the
// page actually landed on.
func (s *Sync) Navigate(ctx context.Context, delta int) (int, error) {
	s.mu.RLock()
	target := domain.ClampPage(s.page + delta)
	s.mu.RUnlock()
	if err := s.SetPage(ctx, target); err != nil {
		return 0, err
	}
	return target, nil
}

func (s *Sync) SetNote(ctx context.Context, page int, text string) error {
	page = domain.ClampPage(page)
	err := s.store.Merge(ctx, s.sid, map[string]any{domain.NoteField(page): text})
	if err != nil {
		return fmt.Errorf("set note: %w", err)
	}
	s.mu.Lock()
	s.notes[noteKey(page)] = text
	s.mu.Unlock()
	return nil
}

// OnSnapshot projects the shared fields out of a full-document snapshot.
// A snapshot missing a field is "not yet ready", not an error.
func (s *Sync) OnSnapshot(snap core.Snapshot) {
	if !snap.Exists {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Session.PageNumber >= domain.MinPage {
		s.page = snap.Session.PageNumber
	}
	if snap.Session.Notes != nil {
		s.notes = maps.Clone(snap.Session.Notes)
	}
}

// Run subscribes the sync layer to the session's snapshot stream.
func (s *Sync) Run(ctx context.Context) (func(), error) {
	return s.store.Subscribe(ctx, s.sid, s.OnSnapshot)
}

func noteKey(page int) string {
	return strconv.Itoa(page)
}
