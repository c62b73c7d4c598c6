package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// pionLink implements PeerLink over a real *webrtc.PeerConnection, sharing
// the engine's local capture tracks across every link of the mesh.
type pionLink struct {
	remoteID string
	pc       *webrtc.PeerConnection
	log      zerolog.Logger

	mu      sync.Mutex
	senders []senderSlot
	closed  bool
}

// senderSlot remembers the original track so mute can be undone with a
// ReplaceTrack instead of a renegotiation.
type senderSlot struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// newPionLink builds a connection to remoteID, attaching the local capture
// tracks when present and falling back to a receive-only audio transceiver
// otherwise.
func newPionLink(media *localMedia, iceServers []string, remoteID string, log zerolog.Logger) (PeerLink, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := media.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}

	l := &pionLink{remoteID: remoteID, pc: pc, log: log}

	if len(media.tracks) == 0 {
		// No capture — still receive remote audio.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("call: add recvonly transceiver: %w", err)
		}
	}
	for _, track := range media.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("call: add track: %w", err)
		}
		l.senders = append(l.senders, senderSlot{sender: sender, track: track})
	}

	return l, nil
}

func (l *pionLink) OnCandidate(fn func(Candidate)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		fn(Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (l *pionLink) OnTrack(fn func(RemoteStream)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteStream{
			UserID: l.remoteID,
			Kind:   track.Kind().String(),
			Track:  track,
		})
	})
}

func (l *pionLink) Offer(_ context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("call: create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("call: set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (l *pionLink) HandleOffer(_ context.Context, sdp string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("call: set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("call: create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("call: set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (l *pionLink) HandleAnswer(sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("call: set remote answer: %w", err)
	}
	return nil
}

func (l *pionLink) AddCandidate(c Candidate) error {
	err := l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
	if err != nil {
		return fmt.Errorf("call: add candidate: %w", err)
	}
	return nil
}

func (l *pionLink) SetMuted(muted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.senders {
		var err error
		if muted {
			err = s.sender.ReplaceTrack(nil)
		} else {
			err = s.sender.ReplaceTrack(s.track)
		}
		if err != nil {
			return fmt.Errorf("call: replace track: %w", err)
		}
	}
	return nil
}

func (l *pionLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}
