package store

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind says which row type an Event is about.
type EventKind string

const (
	KindCall        EventKind = "call"
	KindParticipant EventKind = "participant"
)

// EventOp says what happened to the row.
type EventOp string

const (
	OpInsert EventOp = "insert"
	OpUpdate EventOp = "update"
)

// Event is one change-feed record. Exactly one of Call/Participant is set,
// per Kind. Origin identifies the relay that injected a remote event and is
// empty for events produced by local writes.
type Event struct {
	ID          string       `json:"id"`
	Kind        EventKind    `json:"kind"`
	Op          EventOp      `json:"op"`
	Call        *Call        `json:"call,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Origin      string       `json:"origin,omitempty"`
}

// CallID returns the call the event belongs to.
func (e Event) CallID() string {
	switch {
	case e.Call != nil:
		return e.Call.ID
	case e.Participant != nil:
		return e.Participant.CallID
	}
	return ""
}

// Feed is the in-process change-feed dispatcher shared by the store
// implementations. Writes call Emit after commit; subscribers are matched by
// call id (or receive every new-call insert for the notifier's unscoped
// subscription).
type Feed struct {
	mu       sync.RWMutex
	next     int
	call     map[string]map[int]func(Event) // callID → sub id → fn
	part     map[string]map[int]func(Event)
	newCalls map[int]func(Call)
	taps     map[int]func(Event) // every event; used by store.Relay
}

// NewFeed returns an empty dispatcher.
func NewFeed() *Feed {
	return &Feed{
		call:     make(map[string]map[int]func(Event)),
		part:     make(map[string]map[int]func(Event)),
		newCalls: make(map[int]func(Call)),
		taps:     make(map[int]func(Event)),
	}
}

// Emit delivers ev to every matching subscriber. Handlers run on the
// caller's goroutine; subscribers hand off to their own loops if they need
// to block. An empty ID is filled in so relays can de-duplicate.
func (f *Feed) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	f.mu.RLock()
	var fns []func(Event)
	var inserts []func(Call)
	for _, fn := range f.taps {
		fns = append(fns, fn)
	}
	switch ev.Kind {
	case KindCall:
		for _, fn := range f.call[ev.CallID()] {
			fns = append(fns, fn)
		}
		if ev.Op == OpInsert && ev.Call != nil {
			for _, fn := range f.newCalls {
				inserts = append(inserts, fn)
			}
		}
	case KindParticipant:
		for _, fn := range f.part[ev.CallID()] {
			fns = append(fns, fn)
		}
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	for _, fn := range inserts {
		fn(*ev.Call)
	}
}

// SubscribeCall registers fn for call-row events of callID.
func (f *Feed) SubscribeCall(callID string, fn func(Event)) (cancel func()) {
	return f.add(f.call, callID, fn)
}

// SubscribeParticipant registers fn for participant-row events of callID.
func (f *Feed) SubscribeParticipant(callID string, fn func(Event)) (cancel func()) {
	return f.add(f.part, callID, fn)
}

// Tap registers fn for every event regardless of kind or call.
func (f *Feed) Tap(fn func(Event)) (cancel func()) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.taps[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.taps, id)
		f.mu.Unlock()
	}
}

// SubscribeNewCalls registers fn for every call insert, regardless of group.
func (f *Feed) SubscribeNewCalls(fn func(Call)) (cancel func()) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.newCalls[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.newCalls, id)
		f.mu.Unlock()
	}
}

func (f *Feed) add(set map[string]map[int]func(Event), callID string, fn func(Event)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	if set[callID] == nil {
		set[callID] = make(map[int]func(Event))
	}
	set[callID][id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(set[callID], id)
		if len(set[callID]) == 0 {
			delete(set, callID)
		}
		f.mu.Unlock()
	}
}
