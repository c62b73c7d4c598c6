// Package call is the mesh signaling engine: one Engine per (call, user)
// builds a direct audio link to every other present participant by driving
// the offer/answer/ICE exchange over the shared signaling bus. Topology is a
// full mesh — each pair negotiates its own encrypted media path, no relay.
package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Signal message types carried over the call's bus scope.
const (
	MsgOffer     = "offer"
	MsgAnswer    = "answer"
	MsgCandidate = "ice-candidate"
	MsgHangup    = "hangup"
)

// sdpPayload carries a session description for offer and answer messages.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

// Candidate is one ICE candidate on the wire.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// RemoteStream is a live inbound audio track from one remote participant.
// Track is nil only in tests using fake links.
type RemoteStream struct {
	UserID string
	Kind   string
	Track  *webrtc.TrackRemote
}

// PeerLink is the per-remote connection surface the engine drives. Narrow on
// purpose: the negotiation logic never touches pion types directly, so it is
// testable against fakes.
type PeerLink interface {
	// Offer creates and locally applies an offer, returning its SDP.
	Offer(ctx context.Context) (string, error)
	// HandleOffer applies a remote offer and returns the local answer SDP.
	HandleOffer(ctx context.Context, sdp string) (string, error)
	// HandleAnswer applies the remote answer to a previously sent offer.
	HandleAnswer(sdp string) error
	AddCandidate(c Candidate) error

	// Callback registration. Must happen before negotiation starts.
	OnCandidate(fn func(Candidate))
	OnTrack(fn func(RemoteStream))

	// SetMuted pauses or resumes the outbound audio without renegotiating.
	SetMuted(muted bool) error
	Close() error
}
