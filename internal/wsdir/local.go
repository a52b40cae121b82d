// Package wsdir implements the client connection tables of spec.md §4.5:
// LocalDirectory (this replica's live connections) and GlobalDirectory (the
// replicated client-id -> owning-replica map gossiped across the cluster).
package wsdir

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// Conn wraps one persistent client connection. Writes are serialized
// through a single goroutine per gorilla/websocket's one-writer-at-a-time
// requirement; Send is safe to call concurrently.
type Conn struct {
	ID string
	IP string

	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewConn wraps an already-upgraded websocket connection and starts its
// write pump.
func NewConn(id, ip string, ws *websocket.Conn) *Conn {
	c := &Conn{ID: id, IP: ip, ws: ws, send: make(chan []byte, sendBuffer), closed: make(chan struct{})}
	go c.writePump()
	return c
}

// Send enqueues data (a frame already encoded by codec) for delivery.
// Returns false if the connection is closed or the send buffer is full.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the connection exactly once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// WS exposes the underlying connection for read-pump use; callers must not
// write to it directly (writes go through Send to stay serialized).
func (c *Conn) WS() *websocket.Conn { return c.ws }

// Alive reports whether Close has not yet been called.
func (c *Conn) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Local is this replica's table of live connections, keyed by client-id.
type Local struct {
	mu   sync.RWMutex
	byID map[string]*Conn
}

// NewLocal builds an empty Local directory.
func NewLocal() *Local {
	return &Local{byID: map[string]*Conn{}}
}

// Put binds id to conn, replacing any prior connection for the same id
// (last-writer-wins, per spec.md §3's ClientConnection invariant).
func (l *Local) Put(id string, conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[id] = conn
}

// Get returns the connection bound to id, if any.
func (l *Local) Get(id string) (*Conn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.byID[id]
	return c, ok
}

// Delete removes id's binding, but only if it is still bound to conn (a
// reconnect may have already rebound it to a different connection).
func (l *Local) Delete(id string, conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.byID[id]; ok && cur == conn {
		delete(l.byID, id)
	}
}

// Rebind removes oldID's binding if it is still bound to conn and binds
// newID to conn, in one step — used by the reconnect handshake to
// atomically move a connection from its provisional id to its claimed id.
func (l *Local) Rebind(oldID, newID string, conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.byID[oldID]; ok && cur == conn {
		delete(l.byID, oldID)
	}
	l.byID[newID] = conn
}

// IDs returns every client-id currently bound on this replica.
func (l *Local) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res := make([]string, 0, len(l.byID))
	for id := range l.byID {
		res = append(res, id)
	}
	return res
}

// Len reports the number of live connections.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
