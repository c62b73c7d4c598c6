package store

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formcrew/crewcall/internal/signal/membus"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestRelayMirrorsEventsAcrossProcesses(t *testing.T) {
	bus := membus.New()

	feedA := NewFeed()
	feedB := NewFeed()

	relayA, err := NewRelay(feedA, bus, zerolog.Nop())
	require.NoError(t, err)
	defer relayA.Close()
	relayB, err := NewRelay(feedB, bus, zerolog.Nop())
	require.NoError(t, err)
	defer relayB.Close()

	var rec eventRecorder
	cancel := feedB.SubscribeCall("c1", rec.record)
	defer cancel()

	call := Call{ID: "c1", GroupID: "g1", Status: StatusActive}
	feedA.Emit(Event{Kind: KindCall, Op: OpInsert, Call: &call})

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	got := rec.snapshot()[0]
	require.NotNil(t, got.Call)
	assert.Equal(t, "c1", got.Call.ID)
	assert.NotEmpty(t, got.Origin, "injected events carry the sender's id")
}

func TestRelayDoesNotEchoOrLoop(t *testing.T) {
	bus := membus.New()

	feedA := NewFeed()
	feedB := NewFeed()

	relayA, err := NewRelay(feedA, bus, zerolog.Nop())
	require.NoError(t, err)
	defer relayA.Close()
	relayB, err := NewRelay(feedB, bus, zerolog.Nop())
	require.NoError(t, err)
	defer relayB.Close()

	var recA, recB eventRecorder
	cancelA := feedA.SubscribeCall("c1", recA.record)
	defer cancelA()
	cancelB := feedB.SubscribeCall("c1", recB.record)
	defer cancelB()

	call := Call{ID: "c1", GroupID: "g1", Status: StatusActive}
	feedA.Emit(Event{Kind: KindCall, Op: OpUpdate, Call: &call})

	require.Eventually(t, func() bool {
		return len(recB.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	// Give any bounce time to surface, then confirm each side saw it once.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, recA.snapshot(), 1)
	assert.Len(t, recB.snapshot(), 1)
}

func TestRelayCloseStopsMirroring(t *testing.T) {
	bus := membus.New()

	feedA := NewFeed()
	feedB := NewFeed()

	relayA, err := NewRelay(feedA, bus, zerolog.Nop())
	require.NoError(t, err)
	relayB, err := NewRelay(feedB, bus, zerolog.Nop())
	require.NoError(t, err)
	defer relayB.Close()

	relayA.Close()
	relayA.Close() // closing twice is safe

	var rec eventRecorder
	cancel := feedB.SubscribeCall("c1", rec.record)
	defer cancel()

	call := Call{ID: "c1", GroupID: "g1", Status: StatusActive}
	feedA.Emit(Event{Kind: KindCall, Op: OpUpdate, Call: &call})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}
