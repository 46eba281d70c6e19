// Package transport tracks the live client connection behind each session.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/livepresence/internal/presence"
)

// CloseTerminated is the websocket close code sent when an operator ends a session.
const CloseTerminated = 4001

// Conn is a client connection that can be closed with a reason.
type Conn interface {
	CloseWithReason(code int, reason string) error
}

type entry struct {
	id   uint64
	conn Conn
}

// Conns maps session ids to their current connection.
// A session has at most one connection; a newer registration replaces the older one.
type Conns struct {
	mu     sync.Mutex
	nextID uint64
	conns  map[string]entry
}

// NewConns creates an empty connection table.
func NewConns() *Conns {
	return &Conns{conns: make(map[string]entry)}
}

// Register records conn as the connection of a session. The returned func removes
// it again and reports whether conn still owned the session. It reports false
// when a newer connection replaced conn or Terminate already removed it.
func (c *Conns) Register(sessionID string, conn Conn) (unregister func() (owned bool)) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.conns[sessionID] = entry{id: id, conn: conn}
	c.mu.Unlock()

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e, ok := c.conns[sessionID]; ok && e.id == id {
			delete(c.conns, sessionID)
			return true
		}
		return false
	}
}

// Len returns the number of tracked connections.
func (c *Conns) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Terminate closes the connection of the record's session, if this instance holds one.
func (c *Conns) Terminate(ctx context.Context, rec *presence.Record) error {
	c.mu.Lock()
	e, ok := c.conns[rec.SessionID]
	if ok {
		delete(c.conns, rec.SessionID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return e.conn.CloseWithReason(CloseTerminated, "session terminated")
}

const closeGrace = time.Second

// WebSocketConn adapts a gorilla connection to Conn.
type WebSocketConn struct {
	*websocket.Conn
}

// CloseWithReason sends a close frame and closes the underlying connection.
func (w WebSocketConn) CloseWithReason(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return w.Close()
}
