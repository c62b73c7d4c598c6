package wsbus

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Relay is the server side of the websocket transport: an http.Handler that
// fans envelope frames out to every connection subscribed to their scope.
// The publisher's own connection receives the envelope as well, mirroring
// Redis Pub/Sub semantics so clients behave identically on either bus.
type Relay struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*relayConn]struct{}
}

type relayConn struct {
	sock   *websocket.Conn
	sendMu sync.Mutex

	mu     sync.Mutex
	scopes map[string]int // scope → refcount
}

// NewRelay returns an empty relay.
func NewRelay(log zerolog.Logger) *Relay {
	return &Relay{
		log:   log.With().Str("comp", "relay").Logger(),
		conns: make(map[*relayConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves frames until the peer goes away.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &relayConn{sock: sock, scopes: make(map[string]int)}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		_ = sock.Close()
	}()

	sock.SetReadLimit(maxMessage)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPingHandler(func(data string) error {
		_ = sock.SetReadDeadline(time.Now().Add(pongWait))
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		return sock.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f frame
		if err := sock.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case "sub":
			c.mu.Lock()
			c.scopes[f.Scope]++
			c.mu.Unlock()
		case "unsub":
			c.mu.Lock()
			if c.scopes[f.Scope] > 0 {
				c.scopes[f.Scope]--
			}
			if c.scopes[f.Scope] == 0 {
				delete(c.scopes, f.Scope)
			}
			c.mu.Unlock()
		case "env":
			if f.Envelope == nil {
				continue
			}
			r.broadcast(f)
		}
	}
}

func (r *Relay) broadcast(f frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.conns {
		c.mu.Lock()
		subscribed := c.scopes[f.Envelope.Scope] > 0
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		c.sendMu.Lock()
		_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.sock.WriteJSON(f); err != nil {
			r.log.Debug().Err(err).Msg("dropping slow relay connection write")
		}
		c.sendMu.Unlock()
	}
}
