// Package wsbus implements the signaling Bus as a client of a JSON
// websocket relay (see Relay in this package). Used by deployments that
// front the transport with a plain websocket endpoint instead of Redis.
package wsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/formcrew/crewcall/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

// frame is the wire protocol: control frames manage scope membership,
// envelope frames carry traffic.
type frame struct {
	Op       string           `json:"op"` // "sub" | "unsub" | "env"
	Scope    string           `json:"scope,omitempty"`
	Envelope *signal.Envelope `json:"envelope,omitempty"`
}

// Bus multiplexes all scopes over one websocket connection.
type Bus struct {
	conn *websocket.Conn
	log  zerolog.Logger

	sendMu sync.Mutex // gorilla allows one concurrent writer

	mu     sync.RWMutex
	next   int
	scopes map[string]map[int]chan signal.Envelope
	closed bool

	done chan struct{}
}

// Dial connects to a relay at url and starts the read/ping pumps.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Bus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbus: dial %s: %w", url, err)
	}
	b := &Bus{
		conn:   conn,
		log:    log.With().Str("comp", "signal").Logger(),
		scopes: make(map[string]map[int]chan signal.Envelope),
		done:   make(chan struct{}),
	}
	go b.readPump()
	go b.pingLoop()
	return b, nil
}

// Publish sends env to the relay for fan-out to every subscriber of scope.
func (b *Bus) Publish(_ context.Context, scope string, env signal.Envelope) error {
	env.Scope = scope
	return b.write(frame{Op: "env", Scope: scope, Envelope: &env})
}

// Subscribe registers interest in scope with the relay and locally.
func (b *Bus) Subscribe(scope string) (*signal.Subscription, error) {
	ch := make(chan signal.Envelope, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("wsbus: bus closed")
	}
	id := b.next
	b.next++
	first := b.scopes[scope] == nil
	if first {
		b.scopes[scope] = make(map[int]chan signal.Envelope)
	}
	b.scopes[scope][id] = ch
	b.mu.Unlock()

	if first {
		if err := b.write(frame{Op: "sub", Scope: scope}); err != nil {
			b.drop(scope, id)
			return nil, err
		}
	}

	cancel := func() {
		if b.drop(scope, id) {
			_ = b.write(frame{Op: "unsub", Scope: scope})
		}
	}
	return signal.NewSubscription(ch, cancel), nil
}

// drop removes one local subscriber and reports whether it was the scope's
// last, in which case the relay-side subscription should be released too.
func (b *Bus) drop(scope string, id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.scopes[scope]
	if !ok {
		return false
	}
	if ch, ok := set[id]; ok {
		delete(set, id)
		close(ch)
	}
	if len(set) == 0 {
		delete(b.scopes, scope)
		return !b.closed
	}
	return false
}

// Close tears down the connection and all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for scope, set := range b.scopes {
		for _, ch := range set {
			close(ch)
		}
		delete(b.scopes, scope)
	}
	b.mu.Unlock()

	close(b.done)
	return b.conn.Close()
}

func (b *Bus) write(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wsbus: marshal frame: %w", err)
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("wsbus: write: %w", err)
	}
	return nil
}

func (b *Bus) readPump() {
	defer b.Close()

	b.conn.SetReadLimit(maxMessage)
	_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Op != "env" || f.Envelope == nil {
			continue
		}

		b.mu.RLock()
		for _, ch := range b.scopes[f.Envelope.Scope] {
			select {
			case ch <- *f.Envelope:
			default:
			}
		}
		b.mu.RUnlock()
	}
}

func (b *Bus) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sendMu.Lock()
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := b.conn.WriteMessage(websocket.PingMessage, nil)
			b.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
