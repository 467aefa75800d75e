package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
	"github.com/studymate-app/studymate/internal/signaling"
	"github.com/studymate-app/studymate/internal/store"
)

// fakeMedia records every call the negotiator makes so tests can assert on
// exact apply counts instead of observable side effects alone.
type fakeMedia struct {
	mu sync.Mutex

	offerSDP  string
	answerSDP string

	started          bool
	closed           bool
	remoteSet        bool
	applyAnswerCalls int
	applied          []string
	rejectOnce       map[string]bool

	onCand   func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	onClosed func()
}

func newFakeMedia(offerSDP, answerSDP string) *fakeMedia {
	return &fakeMedia{offerSDP: offerSDP, answerSDP: answerSDP, rejectOnce: map[string]bool{}}
}

func (f *fakeMedia) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed = true
	fn := f.onClosed
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeMedia) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeMedia) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectOnce[ci.Candidate] {
		delete(f.rejectOnce, ci.Candidate)
		return errors.New("candidate rejected")
	}
	f.applied = append(f.applied, ci.Candidate)
	return nil
}

func (f *fakeMedia) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeMedia) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.offerSDP}, nil
}

func (f *fakeMedia) ApplyAnswer(webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyAnswerCalls++
	f.remoteSet = true
	return nil
}

func (f *fakeMedia) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.answerSDP}, nil
}

func (f *fakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakeMedia) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeMedia) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeMedia) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (f *fakeMedia) OnClosed(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClosed = fn
}

func (f *fakeMedia) emitClosed() {
	f.mu.Lock()
	f.closed = true
	fn := f.onClosed
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeMedia) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeMedia) emitState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

type fakeCapture struct {
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (f *fakeCapture) Track() webrtc.TrackLocal { return nil }

func (f *fakeCapture) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeCapture) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeCapture) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func captureFactory(c *fakeCapture) core.CaptureFactory {
	return func(context.Context) (core.Capture, error) { return c, nil }
}

// flakyCaptureFactory fails the first n acquisitions, as a busy or denied
// audio device would.
func flakyCaptureFactory(c *fakeCapture, failures int) core.CaptureFactory {
	return func(context.Context) (core.Capture, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("no capture device")
		}
		return c, nil
	}
}

func mediaFactory(conns ...*fakeMedia) core.MediaFactory {
	i := 0
	return func(domain.SessionID) (core.MediaConnection, error) {
		conn := conns[i]
		if i < len(conns)-1 {
			i++
		}
		return conn, nil
	}
}

func testHarness(t *testing.T, role domain.Role, media core.MediaFactory, capture core.CaptureFactory) (*Negotiator, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	sess, err := domain.NewSession("s1", "algebra.pdf", "", domain.Creator{UID: "u1"})
	require.NoError(t, err)
	require.NoError(t, m.Create(context.Background(), sess))
	ch := signaling.NewChannel(m, "s1")
	return NewNegotiator("s1", role, ch, media, capture, nil), m
}

func snapshotOf(t *testing.T, m *store.Memory) core.Snapshot {
	t.Helper()
	sess, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	return core.Snapshot{Exists: true, Session: sess}
}

func TestStartVoiceRequiresInitiator(t *testing.T) {
	conn := newFakeMedia("offer-sdp", "answer-sdp")
	n, _ := testHarness(t, domain.RoleJoiner, mediaFactory(conn), captureFactory(&fakeCapture{}))

	require.ErrorIs(t, n.StartVoice(context.Background()), ErrNotInitiator)
}

func TestStartVoicePublishesOffer(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	cap := &fakeCapture{}
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(cap))

	require.NoError(t, n.StartVoice(context.Background()))

	assert.Equal(StateAwaitingAnswer, n.State())
	assert.True(n.Active())
	assert.True(cap.Enabled())

	got, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal("offer-sdp", got.Signaling.Offer)
	assert.Empty(got.Signaling.Answer)

	require.ErrorIs(t, n.StartVoice(context.Background()), ErrVoiceActive)
}

func TestStartVoiceCaptureFailureIsRetryable(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	cap := &fakeCapture{}
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), flakyCaptureFactory(cap, 1))

	err := n.StartVoice(context.Background())
	require.Error(t, err)
	assert.Equal(StateIdle, n.State())
	assert.False(n.Active())

	got, gerr := m.Get(context.Background(), "s1")
	require.NoError(t, gerr)
	assert.Empty(got.Signaling.Offer)

	// The device freed up; the same action now succeeds.
	require.NoError(t, n.StartVoice(context.Background()))
	assert.Equal(StateAwaitingAnswer, n.State())
}

func TestAnswerAppliedOncePerRound(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, n.StartVoice(ctx))
	require.NoError(t, m.Merge(ctx, "s1", map[string]any{domain.FieldAnswer: "answer-sdp"}))

	snap := snapshotOf(t, m)
	n.OnSnapshot(ctx, snap)
	n.OnSnapshot(ctx, snap)
	n.OnSnapshot(ctx, snap)

	assert.Equal(1, conn.applyAnswerCalls)
}

func TestAnswerIgnoredBeforeVoiceStarted(t *testing.T) {
	conn := newFakeMedia("offer-sdp", "")
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, m.Merge(ctx, "s1", map[string]any{domain.FieldAnswer: "stale-answer"}))
	n.OnSnapshot(ctx, snapshotOf(t, m))

	require.Zero(t, conn.applyAnswerCalls)
	require.False(t, n.Active())
}

func TestCandidateReplayAppliesEachOnce(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, n.StartVoice(ctx))
	require.NoError(t, m.Merge(ctx, "s1", map[string]any{domain.FieldAnswer: "answer-sdp"}))

	c1 := domain.Candidate{Candidate: "guest-c1"}
	c2 := domain.Candidate{Candidate: "guest-c2"}
	c3 := domain.Candidate{Candidate: "guest-c3"}

	require.NoError(t, m.AppendCandidates(ctx, "s1", domain.FieldGuestCandidates, c1))
	n.OnSnapshot(ctx, snapshotOf(t, m))

	// Each snapshot replays the full list; only the suffix is new.
	require.NoError(t, m.AppendCandidates(ctx, "s1", domain.FieldGuestCandidates, c2, c3))
	n.OnSnapshot(ctx, snapshotOf(t, m))
	n.OnSnapshot(ctx, snapshotOf(t, m))

	assert.Equal([]string{"guest-c1", "guest-c2", "guest-c3"}, conn.appliedCandidates())
}

func TestCandidatesDeferredUntilRemoteDescription(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, n.StartVoice(ctx))
	require.NoError(t, m.AppendCandidates(ctx, "s1", domain.FieldGuestCandidates, domain.Candidate{Candidate: "guest-c1"}))

	// No answer yet, so no remote description: nothing may be applied.
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.Empty(conn.appliedCandidates())

	require.NoError(t, m.Merge(ctx, "s1", map[string]any{domain.FieldAnswer: "answer-sdp"}))
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.Equal([]string{"guest-c1"}, conn.appliedCandidates())
}

func TestRejectedCandidateRetriedOnReplay(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	conn.rejectOnce["guest-c1"] = true
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, n.StartVoice(ctx))
	require.NoError(t, m.Merge(ctx, "s1", map[string]any{domain.FieldAnswer: "answer-sdp"}))
	require.NoError(t, m.AppendCandidates(ctx, "s1", domain.FieldGuestCandidates,
		domain.Candidate{Candidate: "guest-c1"}, domain.Candidate{Candidate: "guest-c2"}))

	// First delivery: c1 rejected, c2 applied regardless.
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.Equal([]string{"guest-c2"}, conn.appliedCandidates())

	// Replay retries the rejected one without repeating the applied one.
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.Equal([]string{"guest-c2", "guest-c1"}, conn.appliedCandidates())
}

func TestLocalCandidateBufferedUntilPublish(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	n.mu.Lock()
	round := n.beginRoundLocked()
	n.mu.Unlock()

	// Gathered before the offer write committed: must not reach the store.
	n.onLocalCandidate(ctx, round, domain.Candidate{Candidate: "early-c1"})
	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(got.Signaling.HostCandidates)

	n.mu.Lock()
	assert.Len(n.pending, 1)
	n.published = true
	n.flushPendingLocked(ctx)
	n.mu.Unlock()

	got, err = m.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Signaling.HostCandidates, 1)
	assert.Equal("early-c1", got.Signaling.HostCandidates[0].Candidate)
}

func TestStaleRoundCandidateDropped(t *testing.T) {
	conn := newFakeMedia("offer-sdp", "")
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, n.StartVoice(ctx))
	n.mu.Lock()
	stale := n.round - 1
	n.mu.Unlock()

	n.onLocalCandidate(ctx, stale, domain.Candidate{Candidate: "old-round-c1"})

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, got.Signaling.HostCandidates)
}

func TestLedgerResetBetweenRounds(t *testing.T) {
	assert := assert.New(t)
	conn1 := newFakeMedia("offer-1", "")
	conn2 := newFakeMedia("offer-2", "")
	n, m := testHarness(t, domain.RoleInitiator, mediaFactory(conn1, conn2), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, n.StartVoice(ctx))
	require.NoError(t, m.Merge(ctx, "s1", map[string]any{domain.FieldAnswer: "answer-1"}))
	require.NoError(t, m.AppendCandidates(ctx, "s1", domain.FieldGuestCandidates, domain.Candidate{Candidate: "guest-c1"}))
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.Equal([]string{"guest-c1"}, conn1.appliedCandidates())

	n.EndVoice()
	assert.True(conn1.IsClosed())

	// Same fingerprint in a new round must not be suppressed by the old ledger.
	require.NoError(t, n.StartVoice(ctx))
	require.NoError(t, m.Merge(ctx, "s1", map[string]any{domain.FieldAnswer: "answer-2"}))
	require.NoError(t, m.AppendCandidates(ctx, "s1", domain.FieldGuestCandidates, domain.Candidate{Candidate: "guest-c1"}))
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.Equal([]string{"guest-c1"}, conn2.appliedCandidates())
}

func TestEndVoiceReleasesResources(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	cap := &fakeCapture{}
	n, _ := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(cap))

	require.NoError(t, n.StartVoice(context.Background()))
	n.EndVoice()

	assert.Equal(StateClosed, n.State())
	assert.False(n.Active())
	assert.True(conn.IsClosed())
	assert.True(cap.isStopped())

	// Idempotent.
	n.EndVoice()
}

func TestConnectionDeathTearsDownRound(t *testing.T) {
	conn := newFakeMedia("offer-sdp", "")
	cap := &fakeCapture{}
	n, _ := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(cap))

	require.NoError(t, n.StartVoice(context.Background()))

	// The transport dying underneath us releases the round without any
	// user action.
	conn.emitClosed()
	require.Eventually(t, func() bool {
		return !n.Active() && n.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
	require.True(t, cap.isStopped())

	// EndVoice after the callback already cleaned up is a no-op.
	n.EndVoice()
}

func TestConnectionStateReachesConnected(t *testing.T) {
	conn := newFakeMedia("offer-sdp", "")
	n, _ := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))

	require.NoError(t, n.StartVoice(context.Background()))
	conn.emitState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, StateConnected, n.State())
}

func TestMuteTogglesCapture(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("offer-sdp", "")
	cap := &fakeCapture{}
	n, _ := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(cap))

	// Muting before the round carries into the capture once acquired.
	n.SetMuted(true)
	require.NoError(t, n.StartVoice(context.Background()))
	assert.False(cap.Enabled())
	assert.True(n.Muted())

	n.SetMuted(false)
	assert.True(cap.Enabled())
}

func TestJoinerAnswersOffer(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("", "answer-sdp")
	n, m := testHarness(t, domain.RoleJoiner, mediaFactory(conn), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	assert.Equal(StateAwaitingOffer, n.State())

	require.NoError(t, m.Merge(ctx, "s1", map[string]any{
		domain.FieldSignaling: domain.Signaling{Offer: "offer-sdp"},
	}))
	snap := snapshotOf(t, m)
	n.OnSnapshot(ctx, snap)

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal("answer-sdp", got.Signaling.Answer)
	assert.True(n.Active())

	// The same offer replayed in later snapshots is never answered again.
	n.OnSnapshot(ctx, snapshotOf(t, m))
	n.OnSnapshot(ctx, snap)
	assert.True(conn.HasRemoteDescription())
}

func TestJoinerRetriesAfterCaptureFailure(t *testing.T) {
	assert := assert.New(t)
	conn := newFakeMedia("", "answer-sdp")
	cap := &fakeCapture{}
	n, m := testHarness(t, domain.RoleJoiner, mediaFactory(conn), flakyCaptureFactory(cap, 1))
	ctx := context.Background()

	require.NoError(t, m.Merge(ctx, "s1", map[string]any{
		domain.FieldSignaling: domain.Signaling{Offer: "offer-sdp"},
	}))

	// First delivery fails to acquire audio; the offer stays unanswered
	// and the joiner goes back to waiting.
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.False(n.Active())
	assert.Equal(StateAwaitingOffer, n.State())
	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(got.Signaling.Answer)

	// The offer is still in the document, so the next snapshot retries.
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.True(n.Active())
	got, err = m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal("answer-sdp", got.Signaling.Answer)
}

func TestJoinerAnswersFreshOfferAfterEnd(t *testing.T) {
	assert := assert.New(t)
	conn1 := newFakeMedia("", "answer-1")
	conn2 := newFakeMedia("", "answer-2")
	n, m := testHarness(t, domain.RoleJoiner, mediaFactory(conn1, conn2), captureFactory(&fakeCapture{}))
	ctx := context.Background()

	require.NoError(t, m.Merge(ctx, "s1", map[string]any{
		domain.FieldSignaling: domain.Signaling{Offer: "offer-1"},
	}))
	n.OnSnapshot(ctx, snapshotOf(t, m))
	n.EndVoice()

	// The old offer replaying after teardown must not restart the round.
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.False(n.Active())

	// A different offer starts a fresh one.
	require.NoError(t, m.Merge(ctx, "s1", map[string]any{
		domain.FieldSignaling: domain.Signaling{Offer: "offer-2"},
	}))
	n.OnSnapshot(ctx, snapshotOf(t, m))
	assert.True(n.Active())
	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal("answer-2", got.Signaling.Answer)
}

func TestMissingSnapshotIgnored(t *testing.T) {
	conn := newFakeMedia("offer-sdp", "")
	n, _ := testHarness(t, domain.RoleInitiator, mediaFactory(conn), captureFactory(&fakeCapture{}))

	n.OnSnapshot(context.Background(), core.Snapshot{})
	require.Equal(t, StateIdle, n.State())
}

// TestTwoPartyNegotiation runs both sides against one shared in-process
// store, each subscribed to the live snapshot stream, and follows the
// whole exchange through to applied candidates on both connections.
func TestTwoPartyNegotiation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := store.NewMemory()
	sess, err := domain.NewSession("s1", "algebra.pdf", "", domain.Creator{UID: "host"})
	require.NoError(t, err)
	require.NoError(t, m.Create(ctx, sess))

	hostConn := newFakeMedia("offer-sdp", "")
	guestConn := newFakeMedia("", "answer-sdp")

	host := NewNegotiator("s1", domain.RoleInitiator,
		signaling.NewChannel(m, "s1"), mediaFactory(hostConn), captureFactory(&fakeCapture{}), nil)
	guest := NewNegotiator("s1", domain.RoleJoiner,
		signaling.NewChannel(m, "s1"), mediaFactory(guestConn), captureFactory(&fakeCapture{}), nil)

	unsubHost, err := host.Run(ctx)
	require.NoError(t, err)
	defer unsubHost()
	unsubGuest, err := guest.Run(ctx)
	require.NoError(t, err)
	defer unsubGuest()

	require.NoError(t, host.StartVoice(ctx))

	// Candidates trickle from both sides while the answer is in flight.
	go func() {
		hostConn.mu.Lock()
		emit := hostConn.onCand
		hostConn.mu.Unlock()
		emit(webrtc.ICECandidateInit{Candidate: "host-c1"})
	}()

	require.Eventually(t, func() bool {
		return hostConn.HasRemoteDescription() && guestConn.HasRemoteDescription()
	}, 2*time.Second, 5*time.Millisecond, "both descriptions exchanged")

	go func() {
		guestConn.mu.Lock()
		emit := guestConn.onCand
		guestConn.mu.Unlock()
		emit(webrtc.ICECandidateInit{Candidate: "guest-c1"})
	}()

	require.Eventually(t, func() bool {
		h := hostConn.appliedCandidates()
		g := guestConn.appliedCandidates()
		return len(h) == 1 && h[0] == "guest-c1" && len(g) == 1 && g[0] == "host-c1"
	}, 2*time.Second, 5*time.Millisecond, "candidates crossed through the store")

	require.Equal(t, 1, hostConn.applyAnswerCalls)
}
