// Package presence tracks the live connections bound on this node and
// emits events to session connections, locally or through a relay.
package presence

import (
	"sync"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/protocol"
)

// Conn is a live connection able to receive protocol events.
type Conn interface {
	// Handle is the node qualified id stored in the session record.
	Handle() string
	// Send queues env for the connection without blocking.
	Send(env protocol.Envelope) error
}

// Table maps session ids to the connection bound on this node.
type Table struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

func NewTable() *Table {
	return &Table{conns: make(map[uuid.UUID]Conn)}
}

// Set binds conn to sessionID, replacing any previous connection.
func (t *Table) Set(sessionID uuid.UUID, conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[sessionID] = conn
}

// Swap binds conn to sessionID and returns the connection it replaced.
func (t *Table) Swap(sessionID uuid.UUID, conn Conn) (Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.conns[sessionID]
	t.conns[sessionID] = conn
	return prev, ok
}

// Restore undoes a Swap: while the entry still points at conn it is reset
// to prev, or deleted when there was none.
func (t *Table) Restore(sessionID uuid.UUID, conn, prev Conn, hadPrev bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[sessionID]; !ok || cur != conn {
		return false
	}
	if hadPrev {
		t.conns[sessionID] = prev
	} else {
		delete(t.conns, sessionID)
	}
	return true
}

func (t *Table) Get(sessionID uuid.UUID) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[sessionID]
	return c, ok
}

// Remove deletes the entry only while it still points at conn.
func (t *Table) Remove(sessionID uuid.UUID, conn Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.conns[sessionID]; ok && cur == conn {
		delete(t.conns, sessionID)
		return true
	}
	return false
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
