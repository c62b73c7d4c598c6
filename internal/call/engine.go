package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/formcrew/crewcall/internal/signal"
)

// LinkFactory builds the per-remote connection. The default uses pion; tests
// inject fakes.
type LinkFactory func(remoteID string) (PeerLink, error)

// Options tune an Engine.
type Options struct {
	ICEServers []string
	// SkipCapture joins receive-only without touching audio hardware.
	SkipCapture bool
	// NewLink overrides the pion link factory.
	NewLink LinkFactory
}

// Engine is one user's end of one call's mesh. Created per (callID, selfID),
// torn down completely when either changes or the owner leaves the call.
type Engine struct {
	callID string
	selfID string
	bus    signal.Bus
	opts   Options
	log    zerolog.Logger

	mu         sync.Mutex
	links      map[string]PeerLink
	streams    map[string]RemoteStream
	media      *localMedia
	sub        *signal.Subscription
	newLink    LinkFactory
	muted      bool
	connecting bool
	started    bool
	closed     bool

	onStreams func(map[string]RemoteStream)
}

// NewEngine builds an engine; nothing happens until Start.
func NewEngine(callID, selfID string, bus signal.Bus, opts Options, log zerolog.Logger) *Engine {
	e := &Engine{
		callID:  callID,
		selfID:  selfID,
		bus:     bus,
		opts:    opts,
		log:     log.With().Str("comp", "mesh").Str("call", callID).Logger(),
		links:   make(map[string]PeerLink),
		streams: make(map[string]RemoteStream),
	}
	e.newLink = opts.NewLink
	return e
}

// OnStreamsChanged registers the observer notified with a snapshot whenever
// the remote stream set changes. Must be called before Start.
func (e *Engine) OnStreamsChanged(fn func(map[string]RemoteStream)) { e.onStreams = fn }

// Start acquires local audio, subscribes to the call's signaling scope and,
// only once subscribed, dials every other currently-present participant as
// the offering side. participants is enumerated after the subscription is
// live, never before: a peer joining while we set up either appears in the
// fresh list (we dial them) or dialed us after our subscription existed
// (we answer them). Capture failure degrades to receive-only; a failed
// subscription is fatal.
func (e *Engine) Start(ctx context.Context, participants func() []string) error {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return fmt.Errorf("call: engine already started or closed")
	}
	e.started = true
	e.mu.Unlock()

	if !e.opts.SkipCapture {
		media, err := acquireMedia(e.log)
		if err != nil {
			// Degrade gracefully: the user can still hear the others.
			e.log.Warn().Err(err).Msg("audio capture unavailable, joining receive-only")
		}
		if media == nil {
			return fmt.Errorf("call: no media api available")
		}
		e.mu.Lock()
		e.media = media
		e.mu.Unlock()
	} else if e.newLink == nil {
		media, err := recvOnlyMedia()
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.media = media
		e.mu.Unlock()
	}
	if e.newLink == nil {
		e.newLink = func(remoteID string) (PeerLink, error) {
			return newPionLink(e.media, e.opts.ICEServers, remoteID, e.log)
		}
	}

	sub, err := e.bus.Subscribe(e.callID)
	if err != nil {
		e.teardown(false)
		return fmt.Errorf("call: subscribe scope: %w", err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	go e.readLoop(sub)

	for _, p := range participants() {
		if p == e.selfID {
			continue
		}
		if err := e.dial(ctx, p); err != nil {
			// Best-effort mesh: a failed pairwise link is visible as a
			// participant without a remote stream, not an engine failure.
			e.log.Warn().Err(err).Str("peer", p).Msg("dial failed")
		}
	}
	return nil
}

// dial creates the link to remote and sends the targeted offer. Idempotent:
// at most one link per remote id for the engine's lifetime.
func (e *Engine) dial(ctx context.Context, remote string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if _, ok := e.links[remote]; ok {
		e.mu.Unlock()
		return nil
	}
	e.connecting = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.connecting = false
		e.mu.Unlock()
	}()

	link, err := e.attach(remote)
	if err != nil {
		return err
	}

	sdp, err := link.Offer(ctx)
	if err != nil {
		e.dropLink(remote)
		return err
	}
	return e.send(ctx, MsgOffer, remote, sdpPayload{SDP: sdp})
}

// attach builds, registers and wires a link for remote. Caller must have
// verified no link exists.
func (e *Engine) attach(remote string) (PeerLink, error) {
	link, err := e.newLink(remote)
	if err != nil {
		return nil, err
	}

	link.OnCandidate(func(c Candidate) {
		if err := e.send(context.Background(), MsgCandidate, remote, c); err != nil {
			e.log.Debug().Err(err).Str("peer", remote).Msg("candidate send failed")
		}
	})
	link.OnTrack(func(rs RemoteStream) {
		e.mu.Lock()
		e.streams[remote] = rs
		snapshot := e.snapshotLocked()
		fn := e.onStreams
		e.mu.Unlock()
		e.log.Info().Str("peer", remote).Str("kind", rs.Kind).Msg("remote stream up")
		if fn != nil {
			fn(snapshot)
		}
	})
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = link.Close()
		return nil, fmt.Errorf("call: engine closed")
	}
	if existing, ok := e.links[remote]; ok {
		e.mu.Unlock()
		_ = link.Close()
		return existing, nil
	}
	e.links[remote] = link
	muted := e.muted
	e.mu.Unlock()

	if muted {
		_ = link.SetMuted(true)
	}
	return link, nil
}

func (e *Engine) readLoop(sub *signal.Subscription) {
	for env := range sub.C {
		e.handle(env)
	}
}

// handle routes one inbound signaling envelope. Everything from self, or
// targeted at someone else, is discarded — that is what makes the shared
// scope safe for many concurrent pairwise negotiations.
func (e *Engine) handle(env signal.Envelope) {
	if !env.ForMe(e.selfID) {
		return
	}

	switch env.Type {
	case MsgOffer:
		e.handleOffer(env)
	case MsgAnswer:
		e.handleAnswer(env)
	case MsgCandidate:
		e.handleCandidate(env)
	case MsgHangup:
		e.dropLink(env.From)
	}
}

func (e *Engine) handleOffer(env signal.Envelope) {
	e.mu.Lock()
	_, exists := e.links[env.From]
	closed := e.closed
	e.mu.Unlock()
	if exists || closed {
		// A link already negotiated (or negotiating) with this remote —
		// at most one connection per remote id.
		return
	}

	var p sdpPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.log.Warn().Err(err).Str("peer", env.From).Msg("malformed offer")
		return
	}

	link, err := e.attach(env.From)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", env.From).Msg("answering link failed")
		return
	}
	answer, err := link.HandleOffer(context.Background(), p.SDP)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", env.From).Msg("answer failed")
		e.dropLink(env.From)
		return
	}
	if err := e.send(context.Background(), MsgAnswer, env.From, sdpPayload{SDP: answer}); err != nil {
		e.log.Warn().Err(err).Str("peer", env.From).Msg("answer send failed")
	}
}

func (e *Engine) handleAnswer(env signal.Envelope) {
	e.mu.Lock()
	link, ok := e.links[env.From]
	e.mu.Unlock()
	if !ok {
		return
	}
	var p sdpPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		e.log.Warn().Err(err).Str("peer", env.From).Msg("malformed answer")
		return
	}
	if err := link.HandleAnswer(p.SDP); err != nil {
		e.log.Warn().Err(err).Str("peer", env.From).Msg("apply answer failed")
	}
}

func (e *Engine) handleCandidate(env signal.Envelope) {
	e.mu.Lock()
	link, ok := e.links[env.From]
	e.mu.Unlock()
	if !ok {
		return
	}
	var c Candidate
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		e.log.Warn().Err(err).Str("peer", env.From).Msg("malformed candidate")
		return
	}
	if err := link.AddCandidate(c); err != nil {
		e.log.Debug().Err(err).Str("peer", env.From).Msg("add candidate failed")
	}
}

func (e *Engine) send(ctx context.Context, msgType, to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("call: marshal %s: %w", msgType, err)
	}
	return e.bus.Publish(ctx, e.callID, signal.Envelope{
		Type:    msgType,
		From:    e.selfID,
		To:      to,
		Payload: raw,
	})
}

// SyncParticipants drops links to users no longer present in the call. New
// arrivals are not dialed here — the joiner is always the offering side.
func (e *Engine) SyncParticipants(current []string) {
	present := make(map[string]struct{}, len(current))
	for _, id := range current {
		present[id] = struct{}{}
	}

	e.mu.Lock()
	var stale []string
	for remote := range e.links {
		if _, ok := present[remote]; !ok {
			stale = append(stale, remote)
		}
	}
	e.mu.Unlock()

	for _, remote := range stale {
		e.log.Info().Str("peer", remote).Msg("participant gone, dropping link")
		e.dropLink(remote)
	}
}

// dropLink closes and forgets the link and stream for one remote.
func (e *Engine) dropLink(remote string) {
	e.mu.Lock()
	link, ok := e.links[remote]
	if ok {
		delete(e.links, remote)
	}
	_, hadStream := e.streams[remote]
	delete(e.streams, remote)
	snapshot := e.snapshotLocked()
	fn := e.onStreams
	e.mu.Unlock()

	if ok {
		_ = link.Close()
	}
	if hadStream && fn != nil {
		fn(snapshot)
	}
}

// ToggleMute pauses or resumes outbound audio on every link without
// renegotiating, and returns the new muted state.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	e.muted = !e.muted
	muted := e.muted
	links := make([]PeerLink, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	for _, l := range links {
		if err := l.SetMuted(muted); err != nil {
			e.log.Warn().Err(err).Msg("mute toggle failed on link")
		}
	}
	e.log.Info().Bool("muted", muted).Msg("mute toggled")
	return muted
}

// IsMuted reports whether outbound audio is paused.
func (e *Engine) IsMuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// IsConnecting is true only during the synchronous offer-creation window.
func (e *Engine) IsConnecting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connecting
}

// RemoteStreams returns a snapshot of remote user id → live audio stream.
// A participant present in the call but absent here has no formed link —
// that is how callers detect a failed pairwise negotiation.
func (e *Engine) RemoteStreams() map[string]RemoteStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() map[string]RemoteStream {
	out := make(map[string]RemoteStream, len(e.streams))
	for k, v := range e.streams {
		out[k] = v
	}
	return out
}

// LinkCount reports the number of live peer links.
func (e *Engine) LinkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}

// Close runs the full teardown: hangup broadcast, every link closed, capture
// released, scope unsubscribed, stream map cleared. Idempotent, and must run
// on every exit path — a skipped step leaks audio hardware or sockets.
func (e *Engine) Close() {
	e.teardown(true)
}

func (e *Engine) teardown(hangup bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	links := e.links
	e.links = make(map[string]PeerLink)
	e.streams = make(map[string]RemoteStream)
	sub := e.sub
	e.sub = nil
	media := e.media
	e.media = nil
	e.mu.Unlock()

	if hangup {
		if err := e.send(context.Background(), MsgHangup, "", struct{}{}); err != nil {
			e.log.Debug().Err(err).Msg("hangup broadcast failed")
		}
	}
	for remote, link := range links {
		if err := link.Close(); err != nil {
			e.log.Debug().Err(err).Str("peer", remote).Msg("link close failed")
		}
	}
	if media != nil {
		media.Close()
	}
	if sub != nil {
		sub.Cancel()
	}
	e.log.Info().Msg("engine closed")
}
