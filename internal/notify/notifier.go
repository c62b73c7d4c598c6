// Package notify watches for new-call events across every group the current
// user belongs to and keeps the bounded-lifetime set of pending invitations,
// independent of whether the user is in a call.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/formcrew/crewcall/internal/store"
)

// DefaultTTL is how long an invitation stays pending before it silently
// expires.
const DefaultTTL = 30 * time.Second

// ErrUnknownInvitation means the invitation was already accepted, declined
// or expired.
var ErrUnknownInvitation = errors.New("notify: unknown invitation")

// Invitation is a time-boxed, unpersisted notice that a joinable call has
// started.
type Invitation struct {
	CallID      string
	GroupID     string
	InitiatorID string
	ReceivedAt  time.Time
}

// Hooks are the read-only probes and actions the notifier needs from its
// surroundings. Groups is the user's current group set; Viewing is the group
// context currently on screen ("" when none); InCall comes from the
// coordinator; Join enters a call; Navigate tells the presentation layer to
// switch into a group's context.
type Hooks struct {
	Groups   func() []string
	Viewing  func() string
	InCall   func() bool
	Join     func(ctx context.Context, callID string) error
	Navigate func(groupID string)
}

// Notifier filters the unscoped new-call feed down to pending invitations.
type Notifier struct {
	st    store.Store
	self  string
	hooks Hooks
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu         sync.Mutex
	pending    map[string]Invitation
	timers     map[string]*time.Timer
	cancelFeed func()
	closed     bool

	onChange func([]Invitation)
}

// New builds a notifier. Call Resubscribe to start watching.
func New(st store.Store, selfID string, hooks Hooks, log zerolog.Logger) *Notifier {
	return &Notifier{
		st:      st,
		self:    selfID,
		hooks:   hooks,
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     log.With().Str("comp", "notify").Str("user", selfID).Logger(),
		pending: make(map[string]Invitation),
		timers:  make(map[string]*time.Timer),
	}
}

// SetTTL overrides the invitation lifetime. Test hook.
func (n *Notifier) SetTTL(ttl time.Duration) { n.ttl = ttl }

// SetNow overrides the time source. Test hook.
func (n *Notifier) SetNow(now func() time.Time) { n.now = now }

// OnChange registers the observer fired with the ordered pending list after
// every admission, expiry, accept or decline.
func (n *Notifier) OnChange(fn func([]Invitation)) { n.onChange = fn }

// Resubscribe must be called whenever the user's group set or viewing
// context changes. The prior feed subscription is torn down before the new
// one is installed — a stale subscription would keep delivering events for
// groups the user has left, producing phantom invitations.
func (n *Notifier) Resubscribe() {
	n.mu.Lock()
	if n.cancelFeed != nil {
		n.cancelFeed()
		n.cancelFeed = nil
	}
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.cancelFeed = n.st.SubscribeNewCalls(func(c store.Call) {
		// Runs on the store writer's goroutine; admission is quick and
		// lock-scoped, so no handoff loop is needed here.
		n.admit(c)
	})
	n.mu.Unlock()
	n.log.Debug().Msg("new-call feed resubscribed")
}

// admit turns a new-call event into a pending invitation when every
// admission rule holds; otherwise the event is silently dropped.
func (n *Notifier) admit(c store.Call) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		// A feed callback can still be in flight when Close lands; don't
		// probe the hooks on behalf of a dead notifier.
		return
	}
	if c.InitiatedBy == n.self {
		return
	}
	if !lo.Contains(n.hooks.Groups(), c.GroupID) {
		return
	}
	if n.hooks.Viewing() == c.GroupID {
		return
	}
	if n.hooks.InCall() {
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if _, dup := n.pending[c.ID]; dup {
		// Duplicate events for the same call are idempotently ignored.
		n.mu.Unlock()
		return
	}
	inv := Invitation{
		CallID:      c.ID,
		GroupID:     c.GroupID,
		InitiatorID: c.InitiatedBy,
		ReceivedAt:  n.now(),
	}
	n.pending[c.ID] = inv
	n.timers[c.ID] = time.AfterFunc(n.ttl, func() { n.expire(c.ID) })
	snapshot := n.pendingLocked()
	fn := n.onChange
	n.mu.Unlock()

	n.log.Info().Str("call", c.ID).Str("group", c.GroupID).Str("from", c.InitiatedBy).Msg("incoming call")
	if fn != nil {
		fn(snapshot)
	}
}

// expire removes a timed-out invitation with no further notification.
func (n *Notifier) expire(callID string) {
	n.mu.Lock()
	_, ok := n.pending[callID]
	if !ok {
		n.mu.Unlock()
		return
	}
	n.removeLocked(callID)
	snapshot := n.pendingLocked()
	fn := n.onChange
	n.mu.Unlock()

	n.log.Debug().Str("call", callID).Msg("invitation expired")
	if fn != nil {
		fn(snapshot)
	}
}

// Accept removes the invitation, joins the call and navigates the
// presentation layer into its group. A join failure (stale call, store
// down) surfaces to the caller; the invitation is consumed either way.
func (n *Notifier) Accept(ctx context.Context, callID string) error {
	n.mu.Lock()
	inv, ok := n.pending[callID]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownInvitation
	}
	n.removeLocked(callID)
	snapshot := n.pendingLocked()
	fn := n.onChange
	n.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	if err := n.hooks.Join(ctx, inv.CallID); err != nil {
		return err
	}
	if n.hooks.Navigate != nil {
		n.hooks.Navigate(inv.GroupID)
	}
	n.log.Info().Str("call", callID).Msg("invitation accepted")
	return nil
}

// Decline removes the invitation. Nothing is persisted.
func (n *Notifier) Decline(callID string) error {
	n.mu.Lock()
	if _, ok := n.pending[callID]; !ok {
		n.mu.Unlock()
		return ErrUnknownInvitation
	}
	n.removeLocked(callID)
	snapshot := n.pendingLocked()
	fn := n.onChange
	n.mu.Unlock()

	n.log.Info().Str("call", callID).Msg("invitation declined")
	if fn != nil {
		fn(snapshot)
	}
	return nil
}

// Pending returns the current invitations ordered by receipt time.
func (n *Notifier) Pending() []Invitation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingLocked()
}

// Close tears down the feed subscription and every expiry timer.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.cancelFeed != nil {
		n.cancelFeed()
		n.cancelFeed = nil
	}
	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	n.pending = make(map[string]Invitation)
}

func (n *Notifier) removeLocked(callID string) {
	delete(n.pending, callID)
	if t, ok := n.timers[callID]; ok {
		t.Stop()
		delete(n.timers, callID)
	}
}

func (n *Notifier) pendingLocked() []Invitation {
	out := lo.Values(n.pending)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}
