// Package domain contains entity without logic, just meta-data
// and the persisted wire shapes shared with other StudyMate clients.
package domain

import (
	"errors"
	"maps"
	"strconv"
	"time"
)

type SessionID string

// Role identifies a participant's side of a voice round.
type Role string

const (
	// RoleInitiator starts a voice round and publishes the offer.
	RoleInitiator Role = "initiator"
	// RoleJoiner responds to an offer with an answer.
	RoleJoiner Role = "joiner"
)

// Store field paths. These names are the wire contract of the session
// document; other clients read and write the same fields.
const (
	FieldPageNumber      = "pageNumber"
	FieldNotes           = "notes"
	FieldSignaling       = "signaling"
	FieldOffer           = "signaling.offer"
	FieldAnswer          = "signaling.answer"
	FieldHostCandidates  = "signaling.hostCandidates"
	FieldGuestCandidates = "signaling.guestCandidates"
)

// NoteField is the merge path of one page's note.
func NoteField(page int) string {
	return FieldNotes + "." + strconv.Itoa(page)
}

// CandidatesField is the candidate list a role writes to.
func (r Role) CandidatesField() string {
	if r == RoleInitiator {
		return FieldHostCandidates
	}
	return FieldGuestCandidates
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrFileNameEmpty   = errors.New("file name empty")
	ErrUnknownField    = errors.New("unknown merge field")
	ErrBadFieldValue   = errors.New("bad merge field value")
)

// MinPage is the lowest shared page number. Navigation clamps here.
const MinPage = 1

func ClampPage(page int) int {
	if page < MinPage {
		return MinPage
	}
	return page
}

// Creator identifies who uploaded the document and created the session.
type Creator struct {
	UID   string `json:"uid" firestore:"uid"`
	Email string `json:"email" firestore:"email"`
}

// Signaling is the voice negotiation sub-object of a session document.
// Candidate lists only grow within a round; a fresh offer replaces the
// whole object and so clears both lists and any stale answer.
type Signaling struct {
	Offer           string      `json:"offer,omitempty" firestore:"offer,omitempty"`
	Answer          string      `json:"answer,omitempty" firestore:"answer,omitempty"`
	HostCandidates  []Candidate `json:"hostCandidates,omitempty" firestore:"hostCandidates,omitempty"`
	GuestCandidates []Candidate `json:"guestCandidates,omitempty" firestore:"guestCandidates,omitempty"`
}

// Session is the unit of collaboration: one shared document, one page
// position, per-page notes and the voice signaling sub-object.
type Session struct {
	ID         SessionID         `json:"-" firestore:"-"`
	FileName   string            `json:"fileName" firestore:"fileName"`
	PDFURL     string            `json:"pdfUrl" firestore:"pdfUrl"`
	PageNumber int               `json:"pageNumber" firestore:"pageNumber"`
	Notes      map[string]string `json:"notes" firestore:"notes"`
	Signaling  Signaling         `json:"signaling" firestore:"signaling"`
	CreatedBy  Creator           `json:"createdBy" firestore:"createdBy"`
	CreatedAt  time.Time         `json:"createdAt" firestore:"createdAt"`
}

// NewSession avoids raw literals in adapters and keeps construction obvious.
func NewSession(id SessionID, fileName, pdfURL string, by Creator) (*Session, error) {
	if fileName == "" {
		return nil, ErrFileNameEmpty
	}
	return &Session{
		ID:         id,
		FileName:   fileName,
		PDFURL:     pdfURL,
		PageNumber: MinPage,
		Notes:      make(map[string]string),
		CreatedBy:  by,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Note returns the note text for a page, empty if none.
func (s *Session) Note(page int) string {
	return s.Notes[strconv.Itoa(page)]
}

// Clone deep-copies the session so snapshots never alias store state.
func (s *Session) Clone() *Session {
	out := *s
	out.Notes = maps.Clone(s.Notes)
	out.Signaling.HostCandidates = append([]Candidate(nil), s.Signaling.HostCandidates...)
	out.Signaling.GuestCandidates = append([]Candidate(nil), s.Signaling.GuestCandidates...)
	return &out
}

// ApplyMergeField mutates the session with one field-path merge. The memory
// and redis store backends share this; firestore maps the paths natively.
func (s *Session) ApplyMergeField(path string, value any) error {
	switch path {
	case FieldPageNumber:
		page, ok := value.(int)
		if !ok {
			return ErrBadFieldValue
		}
		s.PageNumber = page
	case FieldNotes:
		notes, ok := value.(map[string]string)
		if !ok {
			return ErrBadFieldValue
		}
		s.Notes = maps.Clone(notes)
	case FieldSignaling:
		sig, ok := value.(Signaling)
		if !ok {
			return ErrBadFieldValue
		}
		s.Signaling = sig
	case FieldOffer:
		return s.applyString(&s.Signaling.Offer, value)
	case FieldAnswer:
		return s.applyString(&s.Signaling.Answer, value)
	case FieldHostCandidates:
		return s.applyCandidates(&s.Signaling.HostCandidates, value)
	case FieldGuestCandidates:
		return s.applyCandidates(&s.Signaling.GuestCandidates, value)
	default:
		if key, ok := noteKey(path); ok {
			text, ok := value.(string)
			if !ok {
				return ErrBadFieldValue
			}
			if s.Notes == nil {
				s.Notes = make(map[string]string)
			}
			s.Notes[key] = text
			return nil
		}
		return ErrUnknownField
	}
	return nil
}

func (s *Session) applyString(dst *string, value any) error {
	v, ok := value.(string)
	if !ok {
		return ErrBadFieldValue
	}
	*dst = v
	return nil
}

func (s *Session) applyCandidates(dst *[]Candidate, value any) error {
	v, ok := value.([]Candidate)
	if !ok {
		return ErrBadFieldValue
	}
	*dst = append([]Candidate(nil), v...)
	return nil
}

func noteKey(path string) (string, bool) {
	const prefix = FieldNotes + "."
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", false
	}
	return path[len(prefix):], true
}
