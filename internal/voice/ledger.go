package voice

import "github.com/studymate-app/studymate/internal/domain"

// candidateLedger guarantees each remote candidate is applied at most once
// per round, even though the store replays the full candidate history on
// every snapshot. It is scoped to one round; a fresh offer or a teardown
// gets a fresh ledger.
type candidateLedger struct {
	applied map[string]struct{}
}

func newCandidateLedger() *candidateLedger {
	return &candidateLedger{applied: make(map[string]struct{})}
}

func (l *candidateLedger) Seen(c domain.Candidate) bool {
	_, ok := l.applied[c.Fingerprint()]
	return ok
}

// Record marks a candidate as applied. Callers record only after a
// successful apply, so a failed candidate is retried on the next replay.
func (l *candidateLedger) Record(c domain.Candidate) {
	l.applied[c.Fingerprint()] = struct{}{}
}
