package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studymate-app/studymate/internal/domain"
)

func TestNewSession(t *testing.T) {
	assert := assert.New(t)

	sess, err := domain.NewSession("s1", "algebra.pdf", "https://files.example/algebra.pdf", domain.Creator{UID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)
	assert.Equal(domain.SessionID("s1"), sess.ID)
	assert.Equal(domain.MinPage, sess.PageNumber)
	assert.NotNil(sess.Notes)
	assert.False(sess.CreatedAt.IsZero())

	_, err = domain.NewSession("s2", "", "", domain.Creator{})
	assert.ErrorIs(err, domain.ErrFileNameEmpty)
}

func TestClampPage(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(1, domain.ClampPage(0))
	assert.Equal(1, domain.ClampPage(-7))
	assert.Equal(1, domain.ClampPage(1))
	assert.Equal(42, domain.ClampPage(42))
}

func TestApplyMergeField(t *testing.T) {
	assert := assert.New(t)

	sess, err := domain.NewSession("s1", "algebra.pdf", "", domain.Creator{})
	require.NoError(t, err)

	require.NoError(t, sess.ApplyMergeField(domain.FieldPageNumber, 3))
	assert.Equal(3, sess.PageNumber)

	require.NoError(t, sess.ApplyMergeField(domain.NoteField(3), "chapter review"))
	assert.Equal("chapter review", sess.Note(3))

	require.NoError(t, sess.ApplyMergeField(domain.FieldOffer, "offer-sdp"))
	assert.Equal("offer-sdp", sess.Signaling.Offer)

	// Replacing the signaling object clears everything in it.
	sess.Signaling.Answer = "stale-answer"
	sess.Signaling.GuestCandidates = []domain.Candidate{{Candidate: "c1"}}
	require.NoError(t, sess.ApplyMergeField(domain.FieldSignaling, domain.Signaling{Offer: "fresh"}))
	assert.Equal("fresh", sess.Signaling.Offer)
	assert.Empty(sess.Signaling.Answer)
	assert.Empty(sess.Signaling.GuestCandidates)

	assert.ErrorIs(sess.ApplyMergeField("bogus", 1), domain.ErrUnknownField)
	assert.ErrorIs(sess.ApplyMergeField(domain.FieldPageNumber, "three"), domain.ErrBadFieldValue)
}

func TestSessionClone(t *testing.T) {
	assert := assert.New(t)

	sess, err := domain.NewSession("s1", "algebra.pdf", "", domain.Creator{})
	require.NoError(t, err)
	sess.Notes["3"] = "original"
	sess.Signaling.HostCandidates = []domain.Candidate{{Candidate: "c1"}}

	clone := sess.Clone()
	clone.Notes["3"] = "changed"
	clone.Signaling.HostCandidates[0].Candidate = "c2"

	assert.Equal("original", sess.Notes["3"])
	assert.Equal("c1", sess.Signaling.HostCandidates[0].Candidate)
}

func TestCandidateFingerprint(t *testing.T) {
	assert := assert.New(t)

	mid := "0"
	a := domain.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid}
	b := domain.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid}
	c := domain.Candidate{Candidate: "candidate:2 1 udp 1694498815 203.0.113.9 54321 typ srflx"}

	assert.Equal(a.Fingerprint(), b.Fingerprint())
	assert.True(a.Equal(b))
	assert.NotEqual(a.Fingerprint(), c.Fingerprint())

	// Round-trip through the transport init shape keeps the fingerprint.
	assert.Equal(a.Fingerprint(), domain.CandidateFromInit(a.Init()).Fingerprint())
}
