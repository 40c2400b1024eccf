package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marketchat/server/internal/protocol"
	"github.com/rs/zerolog"
)

var errConnClosed = errors.New("connection closed")
var errSendBufferFull = errors.New("send buffer full")

// client is one websocket connection. The read pump feeds inbound frames
// into inbox; a single worker processes them in order and owns sessionID.
type client struct {
	gw     *Gateway
	conn   *websocket.Conn
	handle string
	userID uuid.UUID
	device string
	ip     string

	ctx    context.Context
	logger zerolog.Logger

	send  chan []byte
	inbox chan protocol.Envelope

	mu     sync.Mutex
	closed bool

	sessionID uuid.UUID
}

func (c *client) Handle() string { return c.handle }

// Send queues env for the write pump. It never blocks.
func (c *client) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *client) readPump() {
	defer close(c.inbox)

	logger := c.logger
	cfg := c.gw.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		// A zero envelope tells the worker the frame was malformed.
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			env = protocol.Envelope{}
		}
		// Blocks while the inbox is full so a slow worker throttles reads.
		// The pong deadline still bounds how long a stalled peer is kept.
		c.inbox <- env
	}
}

func (c *client) writePump() {
	cfg := c.gw.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// work processes inbound events until the read pump stops, then releases
// the bound session.
func (c *client) work() {
	for env := range c.inbox {
		c.dispatch(env)
	}
	c.release()
}

func (c *client) release() {
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if c.sessionID == uuid.Nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	defer cancel()
	if err := c.gw.registry.Unbind(ctx, c.sessionID, c); err != nil {
		c.logger.Error().Err(err).Msg("failed to unbind session")
	}
}

func (c *client) sendError(code, message, event, tempID string) {
	c.gw.metrics.EventError(code)
	env := protocol.MustEnvelope(protocol.EventError, protocol.ErrorPayload{
		Code: code, Message: message, Event: event, TempID: tempID,
	})
	if err := c.Send(env); err != nil {
		c.logger.Debug().Err(err).Str("code", code).Msg("failed to send error event")
	}
}
