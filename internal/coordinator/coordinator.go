// Package coordinator owns the current user's call-lifecycle state: which
// call they are in, who else is present, and the start/join/leave/end
// operations against the persisted store. It is the single writer of that
// state — the mesh engine and the notifier read it, never mutate it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/formcrew/crewcall/internal/store"
)

var (
	// ErrNoActiveCall means an operation that requires being in a call ran
	// while in none.
	ErrNoActiveCall = errors.New("coordinator: not in a call")
	// ErrBusy means a join targeted a different call than the active one.
	// Callers leave first; no auto-leave is performed.
	ErrBusy = errors.New("coordinator: already in a different call")
	// ErrNotInitiator means endCall was attempted by a non-initiator.
	ErrNotInitiator = errors.New("coordinator: only the initiator can end the call")
)

const eventBuffer = 64

// Coordinator serializes all lifecycle operations behind one mutex and
// reacts to the store's change feed for its active call.
type Coordinator struct {
	st   store.Store
	self string
	log  zerolog.Logger
	now  func() time.Time

	mu           sync.Mutex
	active       *store.Call
	participants []store.Participant
	ownRow       *store.Participant
	cancels      []func()

	events chan store.Event
	done   chan struct{}

	onEnded        func(store.Call)
	onParticipants func(store.Call, []store.Participant)
}

// New builds a coordinator for user selfID and starts its event loop.
func New(st store.Store, selfID string, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		st:     st,
		self:   selfID,
		log:    log.With().Str("comp", "coord").Str("user", selfID).Logger(),
		now:    time.Now,
		events: make(chan store.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

// SetNow overrides the time source. Test hook.
func (c *Coordinator) SetNow(now func() time.Time) { c.now = now }

// OnEnded registers the observer fired when the active call ends remotely
// (someone else ended it, or the last-leaver rule fired on another client).
func (c *Coordinator) OnEnded(fn func(store.Call)) { c.onEnded = fn }

// OnParticipantsChanged registers the observer fired with a fresh participant
// snapshot after every participant change of the active call.
func (c *Coordinator) OnParticipantsChanged(fn func(store.Call, []store.Participant)) {
	c.onParticipants = fn
}

// StartCall starts a call in groupID, or joins the group's existing active
// call — idempotent re-entry, never a duplicate Call row. Returns the call id.
func (c *Coordinator) StartCall(ctx context.Context, groupID string) (string, error) {
	existing, err := c.st.ActiveCall(ctx, groupID)
	if err == nil {
		return existing.ID, c.JoinCall(ctx, existing.ID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("coordinator: look up active call: %w", err)
	}

	created, err := c.st.InsertCall(ctx, groupID, c.self)
	if err != nil {
		return "", fmt.Errorf("coordinator: create call: %w", err)
	}
	c.log.Info().Str("call", created.ID).Str("group", groupID).Msg("call started")
	return created.ID, c.JoinCall(ctx, created.ID)
}

// JoinCall enters callID. A join while already present is a no-op that only
// reloads state, so retried UI actions and racing notification paths are
// harmless. Joining a different call while in one fails with ErrBusy.
func (c *Coordinator) JoinCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.ID != callID {
		return ErrBusy
	}

	callRow, err := c.st.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("coordinator: load call: %w", err)
	}
	if callRow.Ended() {
		// Stale invitation; the caller discards the reference.
		return fmt.Errorf("coordinator: join %s: %w", callID, store.ErrEnded)
	}

	row, err := c.st.OpenParticipant(ctx, callID, c.self)
	switch {
	case err == nil:
		// Already present — duplicate join, keep the existing row.
	case errors.Is(err, store.ErrNotFound):
		row, err = c.st.InsertParticipant(ctx, callID, c.self)
		if err != nil {
			return fmt.Errorf("coordinator: insert participant: %w", err)
		}
	default:
		return fmt.Errorf("coordinator: look up own row: %w", err)
	}

	parts, err := c.st.OpenParticipants(ctx, callID)
	if err != nil {
		return fmt.Errorf("coordinator: load participants: %w", err)
	}

	c.active = &callRow
	c.ownRow = &row
	c.participants = parts
	c.resubscribeLocked(callID)
	c.log.Info().Str("call", callID).Int("participants", len(parts)).Msg("joined call")
	return nil
}

// LeaveCall closes the user's participant row. If nobody else remains, the
// call is marked ended — a client-observed condition; the simultaneous
// last-leaver double-write lands on the same state and is tolerated. Local
// state is cleared even when the trailing writes fail: a user can always
// leave locally.
func (c *Coordinator) LeaveCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.ownRow == nil {
		return ErrNoActiveCall
	}
	callID := c.active.ID
	rowID := c.ownRow.ID
	defer c.clearLocked()

	if err := c.st.MarkParticipantLeft(ctx, rowID, c.now()); err != nil {
		return fmt.Errorf("coordinator: mark left: %w", err)
	}

	remaining, err := c.st.OpenParticipants(ctx, callID)
	if err != nil {
		c.log.Warn().Err(err).Str("call", callID).Msg("could not check remaining participants")
		return nil
	}
	if len(remaining) == 0 {
		if err := c.st.UpdateCallStatus(ctx, callID, store.StatusEnded, lo.ToPtr(c.now())); err != nil {
			c.log.Warn().Err(err).Str("call", callID).Msg("auto-end write failed")
		} else {
			c.log.Info().Str("call", callID).Msg("last participant left, call ended")
		}
	}
	return nil
}

// EndCall force-ends the active call regardless of remaining participants.
// Initiator only.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return ErrNoActiveCall
	}
	if c.active.InitiatedBy != c.self {
		return ErrNotInitiator
	}
	callID := c.active.ID

	if err := c.st.UpdateCallStatus(ctx, callID, store.StatusEnded, lo.ToPtr(c.now())); err != nil {
		return fmt.Errorf("coordinator: end call: %w", err)
	}
	if c.ownRow != nil {
		if err := c.st.MarkParticipantLeft(ctx, c.ownRow.ID, c.now()); err != nil {
			c.log.Warn().Err(err).Str("call", callID).Msg("closing own row failed")
		}
	}
	c.clearLocked()
	c.log.Info().Str("call", callID).Msg("call force-ended")
	return nil
}

// ActiveCall returns the call the user is currently in, or nil.
func (c *Coordinator) ActiveCall() *store.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	cp := *c.active
	return &cp
}

// Participants returns the current open rows of the active call.
func (c *Coordinator) Participants() []store.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// IsInCall reports whether the participant list contains the current user
// with an open row.
func (c *Coordinator) IsInCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.ContainsBy(c.participants, func(p store.Participant) bool {
		return p.UserID == c.self && p.Open()
	})
}

// Close cancels subscriptions and stops the event loop.
func (c *Coordinator) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.mu.Lock()
	c.cancelSubsLocked()
	c.mu.Unlock()
}

// resubscribeLocked points the change-feed subscriptions at callID, tearing
// down whatever they watched before. Never leave an orphaned subscription —
// they cause stale reloads.
func (c *Coordinator) resubscribeLocked(callID string) {
	c.cancelSubsLocked()
	push := func(ev store.Event) {
		// Feed callbacks run on the writer's goroutine, possibly our own
		// while holding the op mutex; hand off instead of reloading inline.
		select {
		case c.events <- ev:
		default:
			c.log.Warn().Str("call", callID).Msg("event buffer full, dropping feed event")
		}
	}
	c.cancels = append(c.cancels,
		c.st.SubscribeCallChanges(callID, push),
		c.st.SubscribeParticipantChanges(callID, push),
	)
}

func (c *Coordinator) cancelSubsLocked() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}

// clearLocked drops all local call state and subscriptions.
func (c *Coordinator) clearLocked() {
	c.cancelSubsLocked()
	c.active = nil
	c.ownRow = nil
	c.participants = nil
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.react(ev)
		}
	}
}

// react applies one change-feed event: an ended call clears local state and
// surfaces the notice; any participant change triggers a full reload of the
// participant list — calls are small, consistency beats efficiency.
func (c *Coordinator) react(ev store.Event) {
	c.mu.Lock()
	if c.active == nil || ev.CallID() != c.active.ID {
		c.mu.Unlock()
		return
	}

	if ev.Kind == store.KindCall && ev.Call != nil && ev.Call.Ended() {
		ended := *ev.Call
		c.clearLocked()
		fn := c.onEnded
		c.mu.Unlock()
		c.log.Info().Str("call", ended.ID).Msg("call ended remotely")
		if fn != nil {
			fn(ended)
		}
		return
	}

	if ev.Kind == store.KindParticipant {
		callID := c.active.ID
		parts, err := c.st.OpenParticipants(context.Background(), callID)
		if err != nil {
			c.mu.Unlock()
			c.log.Warn().Err(err).Str("call", callID).Msg("participant reload failed")
			return
		}
		c.participants = parts
		current := *c.active
		fn := c.onParticipants
		c.mu.Unlock()
		if fn != nil {
			fn(current, parts)
		}
		return
	}
	c.mu.Unlock()
}
