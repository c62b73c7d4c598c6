// Package membus is the in-process Bus used by tests and single-process
// demos. Every subscriber of a scope receives every envelope published to
// it, including the publisher's own — filtering by sender is the
// receiver's job, same as on the networked buses.
package membus

import (
	"context"
	"sync"

	"github.com/formcrew/crewcall/internal/signal"
)

const subBuffer = 64

// Bus fans envelopes out to per-scope subscriber sets.
type Bus struct {
	mu     sync.RWMutex
	next   int
	scopes map[string]map[int]chan signal.Envelope
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{scopes: make(map[string]map[int]chan signal.Envelope)}
}

// Publish delivers env to all current subscribers of scope. A subscriber
// whose buffer is full loses the message rather than blocking the sender.
func (b *Bus) Publish(_ context.Context, scope string, env signal.Envelope) error {
	env.Scope = scope

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.scopes[scope] {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

// Subscribe attaches to scope.
func (b *Bus) Subscribe(scope string) (*signal.Subscription, error) {
	ch := make(chan signal.Envelope, subBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.scopes[scope] == nil {
		b.scopes[scope] = make(map[int]chan signal.Envelope)
	}
	b.scopes[scope][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.scopes[scope][id]; ok {
			delete(b.scopes[scope], id)
			if len(b.scopes[scope]) == 0 {
				delete(b.scopes, scope)
			}
			close(ch)
		}
		b.mu.Unlock()
	}
	return signal.NewSubscription(ch, cancel), nil
}
