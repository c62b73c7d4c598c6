package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/formcrew/crewcall/internal/signal"
)

// FeedScope is the bus scope the change feed is mirrored on.
const FeedScope = "store.feed"

const seenCap = 512

// Relay mirrors a store's change feed onto a signaling bus scope and injects
// events received from other processes back into the local dispatcher, so
// every client of a shared deployment observes every committed write.
// Locally produced events go out; remotely produced events come in; their
// Origin field breaks the loop.
type Relay struct {
	id   string
	feed *Feed
	bus  signal.Bus
	log  zerolog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	untap func()
	sub   *signal.Subscription
	done  chan struct{}
}

// NewRelay starts mirroring feed over bus. Call Close to detach.
func NewRelay(feed *Feed, bus signal.Bus, log zerolog.Logger) (*Relay, error) {
	r := &Relay{
		id:   uuid.NewString(),
		feed: feed,
		bus:  bus,
		log:  log.With().Str("comp", "relay").Logger(),
		seen: make(map[string]struct{}),
		done: make(chan struct{}),
	}

	sub, err := bus.Subscribe(FeedScope)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	r.untap = feed.Tap(r.outbound)
	go r.inbound()
	return r, nil
}

// Close detaches the relay from both the feed and the bus.
func (r *Relay) Close() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	r.untap()
	r.sub.Cancel()
}

// outbound publishes locally produced events. Events carrying an Origin were
// injected by a relay already and must not bounce back out.
func (r *Relay) outbound(ev Event) {
	if ev.Origin != "" {
		return
	}
	r.remember(ev.ID)

	raw, err := json.Marshal(ev)
	if err != nil {
		r.log.Warn().Err(err).Msg("marshal feed event")
		return
	}
	env := signal.Envelope{Type: "feed-event", From: r.id, Payload: raw}
	if err := r.bus.Publish(context.Background(), FeedScope, env); err != nil {
		r.log.Warn().Err(err).Msg("publish feed event")
	}
}

func (r *Relay) inbound() {
	for {
		select {
		case <-r.done:
			return
		case env, ok := <-r.sub.C:
			if !ok {
				return
			}
			if env.From == r.id || env.Type != "feed-event" {
				continue
			}
			var ev Event
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				r.log.Warn().Err(err).Msg("dropping malformed feed event")
				continue
			}
			if r.alreadySeen(ev.ID) {
				continue
			}
			r.remember(ev.ID)
			ev.Origin = env.From
			r.feed.Emit(ev)
		}
	}
}

func (r *Relay) remember(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > seenCap {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Relay) alreadySeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}
