package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/marketchat/server/internal/auth"
	"github.com/marketchat/server/internal/http/handlers"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/middleware"
	"github.com/marketchat/server/internal/repo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Logger      zerolog.Logger
	JWT         *auth.JWTService
	Users       repo.UserDirectory
	Messages    *handlers.MessageHandler
	Sessions    *handlers.SessionHandler
	Gateway     http.Handler
	RateLimiter *middleware.RateLimiter
	Gatherer    prometheus.Gatherer
	// Timeout bounds each /api request. Zero disables it.
	Timeout time.Duration
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.HTTPMiddleware(d.Logger))
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.JWT, d.Users))

		r.Handle("/ws", d.Gateway)

		r.Route("/api", func(r chi.Router) {
			if d.Timeout > 0 {
				r.Use(chimw.Timeout(d.Timeout))
			}
			if d.RateLimiter != nil {
				r.Use(middleware.RateLimitMiddleware(d.RateLimiter, middleware.UserOrIPKey))
			}
			r.Route("/messages", func(r chi.Router) {
				r.Post("/", d.Messages.HandleSend)
				r.Get("/unread", d.Messages.HandleUnread)
				r.Post("/delivered", d.Messages.HandleMarkDelivered)
				r.Post("/read", d.Messages.HandleMarkRead)
				r.Get("/{otherUserId}", d.Messages.HandleConversation)
			})
			r.Post("/sessions/register", d.Sessions.HandleRegister)
		})
	})

	return r
}
