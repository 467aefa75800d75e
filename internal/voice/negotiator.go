// Package voice drives one participant's side of the two-party WebRTC
// negotiation over the shared session document. The initiator publishes an
// offer and consumes the answer; the joiner stays passive until an offer
// shows up in a snapshot. All remote input arrives as full-document
// snapshots, so every handler re-checks its guards instead of assuming it
// runs exactly once per change.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateOfferCreated
	StateAwaitingAnswer
	StateAwaitingOffer
	StateAnswerCreated
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring_media"
	case StateOfferCreated:
		return "offer_created"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateAwaitingOffer:
		return "awaiting_offer"
	case StateAnswerCreated:
		return "answer_created"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrVoiceActive  = errors.New("voice already active")
	ErrNotInitiator = errors.New("only the initiator starts a voice round")
)

// Negotiator owns one participant's connection, capture handle and
// candidate bookkeeping for the current round. Nothing here is shared
// between participants; coordination happens only through the store.
type Negotiator struct {
	sid  domain.SessionID
	role domain.Role

	channel    core.SignalingChannel
	newMedia   core.MediaFactory
	newCapture core.CaptureFactory
	playback   core.Playback

	// The mutex serializes snapshot handling and user actions, so a
	// snapshot arriving while a previous one is still being handled
	// cannot interleave. Guards are still re-checked inside.
	mu        sync.Mutex
	state     State
	conn      core.MediaConnection
	capture   core.Capture
	ledger    *candidateLedger
	round     uint64
	muted     bool
	published bool               // local description committed to the store this round
	pending   []domain.Candidate // gathered before the local description was published
	lastOffer string             // offer SDP already answered (joiner)
}

func NewNegotiator(
	sid domain.SessionID,
	role domain.Role,
	channel core.SignalingChannel,
	newMedia core.MediaFactory,
	newCapture core.CaptureFactory,
	playback core.Playback,
) *Negotiator {
	state := StateIdle
	if role == domain.RoleJoiner {
		state = StateAwaitingOffer
	}
	return &Negotiator{
		sid:        sid,
		role:       role,
		channel:    channel,
		newMedia:   newMedia,
		newCapture: newCapture,
		playback:   playback,
		state:      state,
		ledger:     newCandidateLedger(),
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// Run subscribes the negotiator to the session's snapshot stream.
func (n *Negotiator) Run(ctx context.Context) (func(), error) {
	return n.channel.Subscribe(ctx, func(snap core.Snapshot) {
		n.OnSnapshot(ctx, snap)
	})
}

// StartVoice begins a fresh round as the initiator: acquire capture, build
// the connection, commit a local offer and publish it together with a
// cleared candidate history. A capture failure is fatal to this action
// only; the machine returns to idle and a later retry may succeed.
func (n *Negotiator) StartVoice(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != domain.RoleInitiator {
		return ErrNotInitiator
	}
	if n.conn != nil {
		return ErrVoiceActive
	}

	round := n.beginRoundLocked()
	n.state = StateAcquiringMedia

	capture, err := n.newCapture(ctx)
	if err != nil {
		n.state = StateIdle
		return fmt.Errorf("acquire local audio: %w", err)
	}

	if err := n.setupConnLocked(ctx, round, capture); err != nil {
		capture.Stop()
		n.state = StateIdle
		return err
	}

	offer, err := n.conn.CreateAndSetOffer()
	if err != nil {
		n.abortLocked()
		return fmt.Errorf("create offer: %w", err)
	}
	n.state = StateOfferCreated

	// The offer write also resets the candidate history; locally gathered
	// candidates stay buffered until this write is committed so none can
	// race ahead of the round reset.
	if err := n.channel.PublishOffer(ctx, offer.SDP); err != nil {
		n.abortLocked()
		return fmt.Errorf("publish offer: %w", err)
	}
	n.published = true
	n.flushPendingLocked(ctx)
	n.state = StateAwaitingAnswer

	log.Info().Str("module", "voice").Str("session", string(n.sid)).Str("role", string(n.role)).Msg("voice round started")
	return nil
}

// OnSnapshot reconciles one full-document snapshot against the local
// connection state. Re-delivery of an identical snapshot is a no-op.
func (n *Negotiator) OnSnapshot(ctx context.Context, snap core.Snapshot) {
	if !snap.Exists {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	sig := snap.Session.Signaling
	switch n.role {
	case domain.RoleInitiator:
		n.consumeAnswerLocked(sig)
		n.applyRemoteCandidatesLocked(sig.GuestCandidates)
	case domain.RoleJoiner:
		n.answerOfferLocked(ctx, sig)
		n.applyRemoteCandidatesLocked(sig.HostCandidates)
	}
}

// EndVoice closes the connection and releases the capture device
// synchronously. Writes still in flight for the old round are ignored on
// receipt because the round id no longer matches.
func (n *Negotiator) EndVoice() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil && n.capture == nil {
		return
	}
	n.round++
	n.teardownLocked()
	n.state = StateClosed
	log.Info().Str("module", "voice").Str("session", string(n.sid)).Str("role", string(n.role)).Msg("voice round ended")
}

// SetMuted toggles the local capture without touching the connection. The
// peer is not told; it just observes silence.
func (n *Negotiator) SetMuted(muted bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted = muted
	if n.capture != nil {
		n.capture.SetEnabled(!muted)
	}
}

func (n *Negotiator) Muted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.muted
}

// consumeAnswerLocked applies the remote answer exactly once per round,
// guarded by "remote description not yet set" rather than by delivery
// count, so coalesced or repeated snapshots are harmless.
func (n *Negotiator) consumeAnswerLocked(sig domain.Signaling) {
	if n.conn == nil || sig.Answer == "" || n.conn.HasRemoteDescription() {
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.Answer}
	if err := n.conn.ApplyAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("apply remote answer")
		return
	}
	log.Info().Str("module", "voice").Str("session", string(n.sid)).Msg("remote answer applied")
}

// answerOfferLocked is the joiner's entry into a round: the first snapshot
// that reveals an offer while no connection is active. The same offer is
// never answered twice.
func (n *Negotiator) answerOfferLocked(ctx context.Context, sig domain.Signaling) {
	if sig.Offer == "" || n.conn != nil || sig.Offer == n.lastOffer {
		return
	}

	round := n.beginRoundLocked()
	n.state = StateAcquiringMedia

	capture, err := n.newCapture(ctx)
	if err != nil {
		// Fatal to this attempt only; the offer is still in the document,
		// so the next snapshot retries.
		n.state = StateAwaitingOffer
		log.Error().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("acquire local audio")
		return
	}

	if err := n.setupConnLocked(ctx, round, capture); err != nil {
		capture.Stop()
		n.state = StateAwaitingOffer
		log.Error().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("joiner setup")
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.Offer}
	answer, err := n.conn.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		n.abortLocked()
		log.Error().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("answer offer")
		return
	}
	n.state = StateAnswerCreated

	if err := n.channel.PublishAnswer(ctx, answer.SDP); err != nil {
		n.abortLocked()
		log.Error().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("publish answer")
		return
	}
	// Recorded only after the answer write committed, so a failed attempt
	// is retried when the offer replays on the next snapshot.
	n.lastOffer = sig.Offer
	n.published = true
	n.flushPendingLocked(ctx)

	log.Info().Str("module", "voice").Str("session", string(n.sid)).Str("role", string(n.role)).Msg("answered voice offer")
}

// applyRemoteCandidatesLocked walks the full replayed candidate list and
// applies anything the ledger has not seen. Application is deferred until
// the remote description is set; the list replays on every snapshot, so
// nothing is lost by skipping early deliveries.
func (n *Negotiator) applyRemoteCandidatesLocked(cands []domain.Candidate) {
	if n.conn == nil || !n.conn.HasRemoteDescription() {
		return
	}
	for _, cand := range cands {
		if n.ledger.Seen(cand) {
			continue
		}
		if err := n.conn.AddICECandidate(cand.Init()); err != nil {
			// One bad candidate must not block the rest. Not recorded, so
			// the next replay retries it.
			log.Warn().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("remote candidate rejected")
			continue
		}
		n.ledger.Record(cand)
	}
}

func (n *Negotiator) setupConnLocked(ctx context.Context, round uint64, capture core.Capture) error {
	conn, err := n.newMedia(n.sid)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		n.onLocalCandidate(ctx, round, domain.CandidateFromInit(ci))
	})
	conn.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.onRemoteTrack(trackCtx, track)
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.onConnectionState(round, s)
	})
	conn.OnClosed(func() {
		// Dispatched async: the adapter fires this from inside Close, which
		// teardown calls with the mutex held.
		go n.onConnClosed(round)
	})

	if err := conn.Start(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("start peer connection: %w", err)
	}
	if _, err := conn.AddLocalTrack(capture.Track()); err != nil {
		conn.Close()
		return fmt.Errorf("attach local track: %w", err)
	}

	n.conn = conn
	n.capture = capture
	n.capture.SetEnabled(!n.muted)
	return nil
}

func (n *Negotiator) onLocalCandidate(ctx context.Context, round uint64, cand domain.Candidate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if round != n.round {
		// Gathered for a round that has since been torn down.
		return
	}
	if !n.published {
		n.pending = append(n.pending, cand)
		return
	}
	n.appendCandidateLocked(ctx, cand)
}

func (n *Negotiator) onRemoteTrack(ctx context.Context, track *webrtc.TrackRemote) {
	if n.playback == nil {
		return
	}
	// Playback failures leave signaling intact; the user just hears nothing.
	if err := n.playback.Play(ctx, track); err != nil {
		log.Error().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("remote audio playback failed")
	}
}

func (n *Negotiator) onConnectionState(round uint64, s webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if round != n.round || n.conn == nil {
		return
	}
	log.Info().Str("module", "voice").Str("session", string(n.sid)).Str("role", string(n.role)).Str("peer_connection_state", s.String()).Msg("peer state")
	if s == webrtc.PeerConnectionStateConnected {
		n.state = StateConnected
	}
}

// onConnClosed releases the round when the connection dies underneath us.
// A teardown this side initiated has already advanced the round, so the
// callback it triggers is a no-op here.
func (n *Negotiator) onConnClosed(round uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if round != n.round || n.conn == nil {
		return
	}
	log.Info().Str("module", "voice").Str("session", string(n.sid)).Str("role", string(n.role)).Msg("peer connection closed")
	n.round++
	n.teardownLocked()
	n.state = StateClosed
}

func (n *Negotiator) appendCandidateLocked(ctx context.Context, cand domain.Candidate) {
	if err := n.channel.AppendCandidate(ctx, n.role, cand); err != nil {
		// The store is the only path to the peer; nothing to do but log.
		// ICE keeps working with whichever candidates did get through.
		log.Warn().Err(err).Str("module", "voice").Str("session", string(n.sid)).Msg("candidate write failed")
	}
}

func (n *Negotiator) flushPendingLocked(ctx context.Context) {
	for _, cand := range n.pending {
		n.appendCandidateLocked(ctx, cand)
	}
	n.pending = nil
}

// beginRoundLocked resets all per-round bookkeeping so nothing from a
// previous round can suppress or leak into this one.
func (n *Negotiator) beginRoundLocked() uint64 {
	n.round++
	n.ledger = newCandidateLedger()
	n.pending = nil
	n.published = false
	return n.round
}

func (n *Negotiator) teardownLocked() {
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	if n.capture != nil {
		n.capture.Stop()
		n.capture = nil
	}
	n.pending = nil
	n.published = false
	n.ledger = newCandidateLedger()
}

// abortLocked unwinds a failed action to the role's resting state: idle for
// the initiator, awaiting the next offer for the joiner.
func (n *Negotiator) abortLocked() {
	n.round++
	n.teardownLocked()
	if n.role == domain.RoleJoiner {
		n.state = StateAwaitingOffer
		return
	}
	n.state = StateIdle
}
