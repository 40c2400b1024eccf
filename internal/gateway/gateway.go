// Package gateway serves the live event protocol over websockets. Each
// connection binds to exactly one session through a join event; events are
// handled in arrival order per connection and concurrently across
// connections.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marketchat/server/internal/chat"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/metrics"
	"github.com/marketchat/server/internal/middleware"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/protocol"
	"github.com/marketchat/server/internal/router"
	"github.com/marketchat/server/internal/session"
)

// Config tunes connection keepalive and buffering.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	InboxSize      int
}

func (c *Config) setDefaults() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 64
	}
}

type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader
	registry *session.Registry
	chat     *chat.Service
	router   *router.Router
	emitter  *presence.Emitter
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, registry *session.Registry, chatSvc *chat.Service, r *router.Router, emitter *presence.Emitter, m *metrics.Metrics) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Mobile and web clients connect from arbitrary origins; the
			// bearer token is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry: registry,
		chat:     chatSvc,
		router:   r,
		emitter:  emitter,
		metrics:  m,
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades an authenticated request and serves the connection
// until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := logging.Ctx(r.Context())
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	handle := g.emitter.NewHandle()
	ctx := context.WithoutCancel(r.Context())
	logger := logging.Ctx(ctx).With().
		Str(logging.FieldConnID, handle).
		Str(logging.FieldUserID, userID.String()).
		Logger()

	c := &client{
		gw:     g,
		conn:   conn,
		handle: handle,
		userID: userID,
		device: r.UserAgent(),
		ip:     logging.ClientIP(r),
		ctx:    logging.WithLogger(ctx, logger),
		logger: logger,
		send:   make(chan []byte, g.cfg.SendBuffer),
		inbox:  make(chan protocol.Envelope, g.cfg.InboxSize),
	}

	g.track(c)
	defer g.untrack(c)
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()
	logger.Debug().Msg("connection opened")

	done := make(chan struct{})
	go c.writePump()
	go func() {
		defer close(done)
		c.work()
	}()
	c.readPump()
	<-done

	if c.sessionID != uuid.Nil {
		logging.Audit(c.ctx, logging.ActionDisconnect, userID).
			Str(logging.FieldSessionID, c.sessionID.String()).
			Msg("session went offline")
	}
}

func (g *Gateway) track(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[c] = struct{}{}
	g.wg.Add(1)
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, c)
	g.wg.Done()
}

// Shutdown closes every open connection and waits until their sessions
// are released or ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	for c := range g.clients {
		_ = c.conn.Close()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
