// Package crewcall is the real-time group voice-call core of the FormCrew
// collaboration app: call lifecycle coordination, full-mesh audio signaling
// between participants, and cross-group incoming-call notification. The
// surrounding product supplies identity, membership and the UI; this package
// exposes the surface those layers drive.
package crewcall

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/formcrew/crewcall/internal/call"
	"github.com/formcrew/crewcall/internal/coordinator"
	"github.com/formcrew/crewcall/internal/notify"
	"github.com/formcrew/crewcall/internal/roster"
	"github.com/formcrew/crewcall/internal/signal"
	"github.com/formcrew/crewcall/internal/store"
)

// Options tune a Client.
type Options struct {
	ICEServers []string
	// InviteTTL overrides how long invitations stay pending; zero keeps the
	// default.
	InviteTTL time.Duration
	// SkipCapture joins calls receive-only without touching audio hardware.
	SkipCapture bool
	// NewLink overrides the engine's peer-connection factory. Test hook.
	NewLink call.LinkFactory

	// OnCallEnded fires when the active call ends remotely.
	OnCallEnded func(store.Call)
	// OnInvitations fires with the ordered pending-invitation list after
	// every change.
	OnInvitations func([]notify.Invitation)
	// OnStreams fires with the remote-stream snapshot after every change.
	OnStreams func(map[string]call.RemoteStream)
}

// Client wires the store, the signaling bus, the coordinator, the notifier
// and the per-call mesh engine together for one user session.
type Client struct {
	self  string
	st    store.Store
	bus   signal.Bus
	dir   roster.Directory
	opts  Options
	log   zerolog.Logger
	coord *coordinator.Coordinator
	notif *notify.Notifier

	mu      sync.Mutex
	engine  *call.Engine
	viewing string
}

// New assembles a client session for userID. The notifier starts watching
// immediately.
func New(userID string, st store.Store, bus signal.Bus, dir roster.Directory, opts Options, log zerolog.Logger) *Client {
	c := &Client{
		self: userID,
		st:   st,
		bus:  bus,
		dir:  dir,
		opts: opts,
		log:  log.With().Str("user", userID).Logger(),
	}

	c.coord = coordinator.New(st, userID, log)
	c.coord.OnEnded(func(ended store.Call) {
		c.stopEngine()
		if opts.OnCallEnded != nil {
			opts.OnCallEnded(ended)
		}
	})
	c.coord.OnParticipantsChanged(func(_ store.Call, parts []store.Participant) {
		c.mu.Lock()
		eng := c.engine
		c.mu.Unlock()
		if eng != nil {
			eng.SyncParticipants(lo.Map(parts, func(p store.Participant, _ int) string {
				return p.UserID
			}))
		}
	})

	c.notif = notify.New(st, userID, notify.Hooks{
		Groups:  func() []string { return dir.GroupsOf(userID) },
		Viewing: c.Viewing,
		InCall:  c.coord.IsInCall,
		Join:    c.JoinCall,
		Navigate: func(groupID string) {
			c.SetViewing(groupID)
		},
	}, log)
	if opts.InviteTTL > 0 {
		c.notif.SetTTL(opts.InviteTTL)
	}
	if opts.OnInvitations != nil {
		c.notif.OnChange(opts.OnInvitations)
	}
	c.notif.Resubscribe()

	return c
}

// StartCall starts (or re-enters) the group's call and brings the mesh up.
func (c *Client) StartCall(ctx context.Context, groupID string) (string, error) {
	id, err := c.coord.StartCall(ctx, groupID)
	if err != nil {
		return "", err
	}
	return id, c.startEngine(ctx, id)
}

// JoinCall enters an existing call and brings the mesh up.
func (c *Client) JoinCall(ctx context.Context, callID string) error {
	if err := c.coord.JoinCall(ctx, callID); err != nil {
		return err
	}
	return c.startEngine(ctx, callID)
}

// LeaveCall tears the mesh down, abandoning any in-flight negotiation, then
// closes the participant row.
func (c *Client) LeaveCall(ctx context.Context) error {
	c.stopEngine()
	return c.coord.LeaveCall(ctx)
}

// EndCall force-ends the active call. Initiator only.
func (c *Client) EndCall(ctx context.Context) error {
	if err := c.coord.EndCall(ctx); err != nil {
		return err
	}
	c.stopEngine()
	return nil
}

// ActiveCall and IsInCall expose the coordinator read model.
func (c *Client) ActiveCall() *store.Call { return c.coord.ActiveCall() }
func (c *Client) IsInCall() bool          { return c.coord.IsInCall() }

// Member is one open participant row joined with the profile display data
// the directory carries for the user. DisplayName falls back to the user id
// when the directory has no profile.
type Member struct {
	store.Participant
	DisplayName string
}

// Participants returns the open rows of the active call joined with their
// display names.
func (c *Client) Participants() []Member {
	return lo.Map(c.coord.Participants(), func(p store.Participant, _ int) Member {
		name := c.dir.DisplayNameOf(p.UserID)
		if name == "" {
			name = p.UserID
		}
		return Member{Participant: p, DisplayName: name}
	})
}

// Pending, Accept and Decline expose the notifier surface.
func (c *Client) Pending() []notify.Invitation { return c.notif.Pending() }
func (c *Client) Decline(callID string) error  { return c.notif.Decline(callID) }

func (c *Client) Accept(ctx context.Context, callID string) error {
	return c.notif.Accept(ctx, callID)
}

// ToggleMute flips outbound audio on the active mesh.
func (c *Client) ToggleMute() bool {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		return false
	}
	return eng.ToggleMute()
}

// IsMuted reports the mesh mute state.
func (c *Client) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine != nil && c.engine.IsMuted()
}

// IsConnecting reports whether an offer is being created right now.
func (c *Client) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine != nil && c.engine.IsConnecting()
}

// RemoteStreams returns remote user id → live audio stream for the active
// call, empty when not in one.
func (c *Client) RemoteStreams() map[string]call.RemoteStream {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		return map[string]call.RemoteStream{}
	}
	return eng.RemoteStreams()
}

// Viewing returns the group context currently on screen.
func (c *Client) Viewing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewing
}

// SetViewing records the on-screen group context and refreshes the
// notifier's subscription, as its admission rules depend on it.
func (c *Client) SetViewing(groupID string) {
	c.mu.Lock()
	c.viewing = groupID
	c.mu.Unlock()
	c.notif.Resubscribe()
}

// RefreshGroups must be called when the user's group memberships change.
func (c *Client) RefreshGroups() {
	c.notif.Resubscribe()
}

// Close releases everything: notifier, mesh, coordinator.
func (c *Client) Close() {
	c.notif.Close()
	c.stopEngine()
	c.coord.Close()
}

// startEngine replaces any previous mesh with one for callID and dials the
// current participants.
func (c *Client) startEngine(ctx context.Context, callID string) error {
	c.stopEngine()

	eng := call.NewEngine(callID, c.self, c.bus, call.Options{
		ICEServers:  c.opts.ICEServers,
		SkipCapture: c.opts.SkipCapture,
		NewLink:     c.opts.NewLink,
	}, c.log)
	if c.opts.OnStreams != nil {
		eng.OnStreamsChanged(c.opts.OnStreams)
	}

	// The engine reads this after it is subscribed, so a peer joining while
	// the mesh comes up is either in the fresh list or reaches us by offer.
	ids := func() []string {
		return lo.Map(c.coord.Participants(), func(p store.Participant, _ int) string {
			return p.UserID
		})
	}
	if err := eng.Start(ctx, ids); err != nil {
		eng.Close()
		return err
	}

	c.mu.Lock()
	c.engine = eng
	c.mu.Unlock()
	return nil
}

func (c *Client) stopEngine() {
	c.mu.Lock()
	eng := c.engine
	c.engine = nil
	c.mu.Unlock()
	if eng != nil {
		eng.Close()
	}
}
