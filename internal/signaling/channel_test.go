package signaling_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studymate-app/studymate/internal/domain"
	"github.com/studymate-app/studymate/internal/signaling"
	"github.com/studymate-app/studymate/internal/store"
)

func newChannel(t *testing.T) (*signaling.Channel, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	sess, err := domain.NewSession("s1", "algebra.pdf", "", domain.Creator{UID: "u1"})
	require.NoError(t, err)
	require.NoError(t, m.Create(context.Background(), sess))
	return signaling.NewChannel(m, "s1"), m
}

func TestPublishOfferResetsRound(t *testing.T) {
	assert := assert.New(t)
	ch, m := newChannel(t)
	ctx := context.Background()

	// Leftovers from a previous round.
	require.NoError(t, ch.PublishOffer(ctx, "offer-1"))
	require.NoError(t, ch.PublishAnswer(ctx, "answer-1"))
	require.NoError(t, ch.AppendCandidate(ctx, domain.RoleInitiator, domain.Candidate{Candidate: "host-c1"}))
	require.NoError(t, ch.AppendCandidate(ctx, domain.RoleJoiner, domain.Candidate{Candidate: "guest-c1"}))

	require.NoError(t, ch.PublishOffer(ctx, "offer-2"))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal("offer-2", got.Signaling.Offer)
	assert.Empty(got.Signaling.Answer)
	assert.Empty(got.Signaling.HostCandidates)
	assert.Empty(got.Signaling.GuestCandidates)
}

func TestAppendCandidateByRole(t *testing.T) {
	assert := assert.New(t)
	ch, m := newChannel(t)
	ctx := context.Background()

	require.NoError(t, ch.AppendCandidate(ctx, domain.RoleInitiator, domain.Candidate{Candidate: "host-c1"}))
	require.NoError(t, ch.AppendCandidate(ctx, domain.RoleJoiner, domain.Candidate{Candidate: "guest-c1"}))
	require.NoError(t, ch.AppendCandidate(ctx, domain.RoleJoiner, domain.Candidate{Candidate: "guest-c2"}))

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Signaling.HostCandidates, 1)
	require.Len(t, got.Signaling.GuestCandidates, 2)
	assert.Equal("host-c1", got.Signaling.HostCandidates[0].Candidate)
	assert.Equal("guest-c2", got.Signaling.GuestCandidates[1].Candidate)
}

func TestPublishAgainstMissingSession(t *testing.T) {
	ch := signaling.NewChannel(store.NewMemory(), "ghost")
	ctx := context.Background()

	require.ErrorIs(t, ch.PublishOffer(ctx, "offer"), domain.ErrSessionNotFound)
	require.ErrorIs(t, ch.PublishAnswer(ctx, "answer"), domain.ErrSessionNotFound)
	require.ErrorIs(t, ch.AppendCandidate(ctx, domain.RoleJoiner, domain.Candidate{Candidate: "c"}), domain.ErrSessionNotFound)
}
