package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/studymate-app/studymate/internal/domain"
)

func TestLedgerSeenAndRecord(t *testing.T) {
	assert := assert.New(t)
	l := newCandidateLedger()

	mid := "0"
	c1 := domain.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid}
	c2 := domain.Candidate{Candidate: "candidate:2 1 udp 1694498815 203.0.113.9 54321 typ srflx"}

	assert.False(l.Seen(c1))
	l.Record(c1)
	assert.True(l.Seen(c1))
	assert.False(l.Seen(c2))

	// Identical content is the same candidate, whatever instance carries it.
	dup := domain.Candidate{Candidate: c1.Candidate, SDPMid: &mid}
	assert.True(l.Seen(dup))
}

func TestLedgerFreshPerRound(t *testing.T) {
	assert := assert.New(t)
	c := domain.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"}

	old := newCandidateLedger()
	old.Record(c)

	fresh := newCandidateLedger()
	assert.False(fresh.Seen(c))
}
