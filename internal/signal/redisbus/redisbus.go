// Package redisbus implements the signaling Bus over Redis Pub/Sub. Each
// scope maps to one Redis channel under a configurable prefix, so several
// crewcall deployments can share an instance.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/formcrew/crewcall/internal/signal"
)

// Bus publishes and subscribes through a shared Redis client.
type Bus struct {
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger
}

// New wraps rdb. prefix namespaces the channels ("crewcall" when empty).
func New(rdb *redis.Client, prefix string, log zerolog.Logger) *Bus {
	if prefix == "" {
		prefix = "crewcall"
	}
	return &Bus{rdb: rdb, prefix: prefix, log: log.With().Str("comp", "signal").Logger()}
}

func (b *Bus) channel(scope string) string {
	return b.prefix + ":" + scope
}

// Publish marshals env and publishes it on the scope's channel. Redis
// Pub/Sub delivers to every subscriber including ourselves; receivers filter
// by sender.
func (b *Bus) Publish(ctx context.Context, scope string, env signal.Envelope) error {
	env.Scope = scope
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisbus: marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(scope), raw).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", scope, err)
	}
	return nil
}

// Subscribe attaches to the scope's channel and pumps decoded envelopes
// until Cancel.
func (b *Bus) Subscribe(scope string) (*signal.Subscription, error) {
	ps := b.rdb.Subscribe(context.Background(), b.channel(scope))
	// Force the subscription to be established before we return, so a
	// publish issued right after Subscribe cannot be missed.
	if _, err := ps.Receive(context.Background()); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", scope, err)
	}

	out := make(chan signal.Envelope, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var env signal.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Str("scope", scope).Msg("dropping malformed envelope")
				continue
			}
			out <- env
		}
	}()

	cancel := func() {
		_ = ps.Close() // closes ps.Channel(), which closes out
	}
	return signal.NewSubscription(out, cancel), nil
}
