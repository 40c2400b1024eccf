package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/marketchat/server/internal/auth"
	"github.com/marketchat/server/internal/chat"
	"github.com/marketchat/server/internal/config"
	"github.com/marketchat/server/internal/db"
	"github.com/marketchat/server/internal/delivery"
	"github.com/marketchat/server/internal/gateway"
	httphandler "github.com/marketchat/server/internal/http"
	"github.com/marketchat/server/internal/http/handlers"
	"github.com/marketchat/server/internal/logging"
	"github.com/marketchat/server/internal/metrics"
	"github.com/marketchat/server/internal/middleware"
	"github.com/marketchat/server/internal/model"
	"github.com/marketchat/server/internal/presence"
	"github.com/marketchat/server/internal/push"
	"github.com/marketchat/server/internal/relay"
	"github.com/marketchat/server/internal/repo"
	"github.com/marketchat/server/internal/router"
	"github.com/marketchat/server/internal/session"
	"github.com/marketchat/server/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type stores struct {
	sessions repo.SessionRepo
	messages repo.MessageRepo
	users    repo.UserDirectory
	close    func()
}

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Service: "marketchat"})
	logger := logging.L().With().Str("node", cfg.Node.ID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("server exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.Ctx(ctx)

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var rel presence.Relay
	if cfg.Redis.Address != "" {
		r, err := relay.NewRedis(ctx, relay.Config{
			Address:       cfg.Redis.Address,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			return err
		}
		defer r.Close()
		rel = r
	}
	emitter := presence.NewEmitter(cfg.Node.ID, presence.NewTable(), rel)
	registry := session.NewRegistry(st.sessions, emitter)

	n, err := registry.Reset(ctx, rel != nil)
	if err != nil {
		return fmt.Errorf("failed to reset live sessions: %w", err)
	}
	logger.Info().Int64("sessions", n).Bool("relay", rel != nil).Msg("cleared stale live sessions")

	if rel != nil {
		if err := rel.Subscribe(ctx, cfg.Node.ID, emitter.HandleRelayed); err != nil {
			return fmt.Errorf("failed to subscribe to relay: %w", err)
		}
	}

	var publisher stream.Publisher = stream.Noop{}
	if cfg.Kafka.Brokers != "" {
		k, err := stream.NewKafka(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			return err
		}
		publisher = k
	}
	defer publisher.Close()

	senders := map[model.PushPlatform]push.Sender{
		model.PlatformExpo: push.NewExpoSender(cfg.Push.ExpoEndpoint, cfg.Push.ExpoAccessToken, cfg.Push.Timeout),
	}
	if cfg.Push.FCMCredentialsJSON != "" {
		fcm, err := push.NewFCMSender(ctx, cfg.Push.FCMCredentialsJSON)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to init firebase messaging; fcm push disabled")
		} else {
			senders[model.PlatformFCM] = fcm
		}
	} else {
		logger.Warn().Msg("fcm credentials not configured; fcm push disabled")
	}
	dispatcher := push.NewDispatcher(senders, push.Options{
		Workers:   cfg.Push.Workers,
		QueueSize: cfg.Push.QueueSize,
		Timeout:   cfg.Push.Timeout,
		Metrics:   m,
	})
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Close()

	machine := delivery.NewMachine(st.messages)
	rt := router.New(st.sessions, emitter, machine, dispatcher, m)
	chatService := chat.NewService(st.messages, st.users, machine, rt, publisher, chat.Options{
		ReadReceiptPush: cfg.Push.ReadReceipts,
	})
	gw := gateway.New(gateway.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		InboxSize:      cfg.WebSocket.InboxSize,
	}, registry, chatService, rt, emitter, m)

	handler := httphandler.NewRouter(httphandler.Deps{
		Logger:      logging.L(),
		JWT:         auth.NewJWTService(cfg.Auth.JWTSecret),
		Users:       st.users,
		Messages:    handlers.NewMessageHandler(chatService),
		Sessions:    handlers.NewSessionHandler(registry),
		Gateway:     gw,
		RateLimiter: middleware.NewRateLimiter(ctx, cfg.RateLimit.Window, cfg.RateLimit.Max),
		Gatherer:    reg,
		Timeout:     cfg.Server.WriteTimeout,
	})

	// No server WriteTimeout: it would cut hijacked websocket connections.
	// REST requests are bounded by the router's request timeout instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket connections did not close in time")
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	logger := logging.Ctx(ctx)

	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store; state is lost on restart")
		users := repo.NewMemoryUsers()
		users.AllowAll = true
		return &stores{
			sessions: repo.NewMemorySessions(),
			messages: repo.NewMemoryMessages(),
			users:    users,
			close:    func() {},
		}, nil
	default:
		database, err := db.Open(ctx, cfg.Database.URL, db.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Migrate(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return &stores{
			sessions: repo.NewSessionRepo(database),
			messages: repo.NewMessageRepo(database),
			users:    repo.NewUserRepo(database),
			close:    func() { closeDB(database) },
		}, nil
	}
}

func closeDB(database *sql.DB) {
	if err := database.Close(); err != nil {
		logger := logging.L()
		logger.Warn().Err(err).Msg("failed to close database")
	}
}
