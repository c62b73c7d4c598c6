// Package signal is the publish/subscribe transport the mesh engine and the
// store relay ride on. A scope is a logical channel — the call id for
// pairwise negotiation traffic, a well-known name for the change feed.
// Delivery is best-effort: a dropped message is never retried here.
package signal

import (
	"context"
	"encoding/json"
)

// Envelope is one transported message. To is empty for broadcast; receivers
// drop envelopes addressed to someone else, which makes one scope safely
// multiplexable for many concurrent pairwise exchanges.
type Envelope struct {
	Scope   string          `json:"scope"`
	Type    string          `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ForMe reports whether a receiver identified by self should handle env.
func (e Envelope) ForMe(self string) bool {
	if e.From == self {
		return false
	}
	return e.To == "" || e.To == self
}

// Subscription is a live attachment to one scope. C is closed after Cancel.
type Subscription struct {
	C      <-chan Envelope
	cancel func()
}

// NewSubscription wraps a receive channel and its teardown func. Bus
// implementations call this; consumers only see C and Cancel.
func NewSubscription(ch <-chan Envelope, cancel func()) *Subscription {
	return &Subscription{C: ch, cancel: cancel}
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Bus is the transport contract. Implementations: membus (in-process),
// redisbus (Redis Pub/Sub), wsbus (websocket relay client).
type Bus interface {
	Publish(ctx context.Context, scope string, env Envelope) error
	Subscribe(scope string) (*Subscription, error)
}
