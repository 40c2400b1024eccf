package presence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/protocol"
)

// Delivery is an event addressed to a session bound on another node.
type Delivery struct {
	SessionID uuid.UUID         `json:"sessionId"`
	Handle    string            `json:"handle"`
	Envelope  protocol.Envelope `json:"envelope"`
}

// Relay carries deliveries between nodes.
type Relay interface {
	Publish(ctx context.Context, node string, d Delivery) error
	Subscribe(ctx context.Context, node string, fn func(context.Context, Delivery)) error
	Close() error
}

// Emitter sends events to the connection bound to a session.
type Emitter struct {
	node  string
	table *Table
	relay Relay
}

// NewEmitter creates an Emitter for node. A nil relay means every bound
// connection is expected to live on this node.
func NewEmitter(node string, table *Table, relay Relay) *Emitter {
	return &Emitter{node: node, table: table, relay: relay}
}

func (e *Emitter) Node() string { return e.node }

func (e *Emitter) Table() *Table { return e.table }

// NewHandle returns a fresh connection handle owned by this node.
func (e *Emitter) NewHandle() string {
	return e.node + ":" + uuid.NewString()
}

// HandlePrefix is the prefix shared by every handle of this node.
func (e *Emitter) HandlePrefix() string {
	return e.node + ":"
}

// NodeOf returns the node part of a connection handle. The connection id
// after the last colon never contains one, so node ids may.
func NodeOf(handle string) string {
	i := strings.LastIndex(handle, ":")
	if i < 0 {
		return ""
	}
	return handle[:i]
}

// Emit delivers env to the connection of s. A returned error wraps
// model.ErrTransportFailure.
func (e *Emitter) Emit(ctx context.Context, s model.Session, env protocol.Envelope) error {
	if s.ConnectionHandle == nil || *s.ConnectionHandle == "" {
		return fmt.Errorf("%w: session %s has no connection", model.ErrTransportFailure, s.ID)
	}
	handle := *s.ConnectionHandle
	node := NodeOf(handle)
	if node == e.node {
		return e.deliverLocal(s.ID, handle, env)
	}
	if e.relay == nil {
		return fmt.Errorf("%w: session %s is bound on unknown node %q", model.ErrTransportFailure, s.ID, node)
	}
	if err := e.relay.Publish(ctx, node, Delivery{SessionID: s.ID, Handle: handle, Envelope: env}); err != nil {
		return fmt.Errorf("%w: relay to %s: %v", model.ErrTransportFailure, node, err)
	}
	return nil
}

// HandleRelayed delivers an event received from another node.
func (e *Emitter) HandleRelayed(ctx context.Context, d Delivery) {
	if err := e.deliverLocal(d.SessionID, d.Handle, d.Envelope); err != nil {
		logger := logging.Ctx(ctx)
		logger.Debug().Err(err).
			Str(logging.FieldSessionID, d.SessionID.String()).
			Str(logging.FieldEvent, d.Envelope.Type).
			Msg("relayed event dropped")
	}
}

func (e *Emitter) deliverLocal(sessionID uuid.UUID, handle string, env protocol.Envelope) error {
	conn, ok := e.table.Get(sessionID)
	if !ok || conn.Handle() != handle {
		return fmt.Errorf("%w: session %s is not connected here", model.ErrTransportFailure, sessionID)
	}
	if err := conn.Send(env); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransportFailure, err)
	}
	return nil
}
