package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/auth"
	"github.com/marketchat/server/internal/chat"
	"github.com/marketchat/server/internal/delivery"
	"github.com/marketchat/server/internal/http/handlers"
	"github.com/marketchat/server/internal/metrics"
	"github.com/marketchat/server/internal/middleware"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/repo"
	"github.com/marketchat/server/internal/router"
	"github.com/marketchat/server/internal/session"
	"github.com/marketchat/server/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, users *repo.MemoryUsers, limit int) (http.Handler, *auth.JWTService) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sessions := repo.NewMemorySessions()
	messages := repo.NewMemoryMessages()
	emitter := presence.NewEmitter("node-a", presence.NewTable(), nil)
	machine := delivery.NewMachine(messages)
	rt := router.New(sessions, emitter, machine, nil, m)
	svc := chat.NewService(messages, users, machine, rt, stream.Noop{}, chat.Options{})
	jwtService := auth.NewJWTService("test-secret")

	return NewRouter(Deps{
		Logger:      zerolog.Nop(),
		JWT:         jwtService,
		Users:       users,
		Messages:    handlers.NewMessageHandler(svc),
		Sessions:    handlers.NewSessionHandler(session.NewRegistry(sessions, emitter)),
		Gateway:     http.NotFoundHandler(),
		RateLimiter: middleware.NewRateLimiter(ctx, time.Minute, limit),
		Gatherer:    reg,
	}), jwtService
}

func TestPublicRoutes(t *testing.T) {
	h, _ := newTestRouter(t, repo.NewMemoryUsers(), 10)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marketchat_")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	user := uuid.New()
	h, jwtService := newTestRouter(t, repo.NewMemoryUsers(user), 10)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/unread", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stranger, err := jwtService.Sign(uuid.New(), "user", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/messages/unread", nil)
	req.Header.Set("Authorization", "Bearer "+stranger)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwtService.Sign(user, "user", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/messages/unread", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"counts":{}}`, rec.Body.String())

	// The websocket route accepts the token as a query parameter.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIRateLimit(t *testing.T) {
	user := uuid.New()
	h, jwtService := newTestRouter(t, repo.NewMemoryUsers(user), 2)
	token, err := jwtService.Sign(user, "user", time.Minute)
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/api/messages/read", strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}
