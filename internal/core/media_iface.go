package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/studymate-app/studymate/internal/domain"
)

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// HasRemoteDescription reports whether the remote description was set.
	// The negotiation machine guards answer consumption and candidate
	// application on it.
	HasRemoteDescription() bool
	// CreateAndSetOffer creates a local offer and commits it as the local
	// description. Candidates trickle afterwards.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyAnswer sets the remote answer, completing the exchange.
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer is the joiner path: remote offer in, local
	// answer committed and returned.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnConnectionStateChange reports peer connection state transitions.
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnClosed sets a callback for cleanup of the media session.
	OnClosed(func())
}

// MediaFactory builds one connection per voice round.
type MediaFactory func(sid domain.SessionID) (MediaConnection, error)

// Capture is a local audio source. Acquiring one may fail (no device,
// permission denied); that failure is fatal to the current voice action.
type Capture interface {
	Track() webrtc.TrackLocal
	// SetEnabled toggles mute without tearing the connection down.
	// A disabled capture keeps the round alive; the peer observes silence.
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

type CaptureFactory func(ctx context.Context) (Capture, error)

// Playback is the sink remote audio attaches to. Play failures are logged
// by callers, never fatal to the round.
type Playback interface {
	Play(ctx context.Context, track *webrtc.TrackRemote) error
}
