// HolyAnswers - chat server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/holyanswers/holyanswers/internal/agent"
	"github.com/holyanswers/holyanswers/internal/api"
	"github.com/holyanswers/holyanswers/internal/chat"
	"github.com/holyanswers/holyanswers/internal/config"
	"github.com/holyanswers/holyanswers/internal/counter"
	"github.com/holyanswers/holyanswers/internal/hub"
	"github.com/holyanswers/holyanswers/internal/identity"
	"github.com/holyanswers/holyanswers/internal/kv"
	"github.com/holyanswers/holyanswers/internal/middleware"
	"github.com/holyanswers/holyanswers/internal/session"
	"github.com/holyanswers/holyanswers/internal/store"
	"github.com/holyanswers/holyanswers/internal/ws"
	"github.com/holyanswers/holyanswers/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := run(logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is sequential to keep dependency setup explicit.
func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	deviceKV, closeKV, err := openKV(ctx, cfg, repo)
	if err != nil {
		return err
	}
	defer closeKV()

	processor, err := openProcessor(cfg, logger)
	if err != nil {
		return err
	}
	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		processor.Close()
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	aiService := agent.NewService(processor, conversationLogger)
	defer aiService.Close()
	slog.Info("AI backend initialized", "backend", cfg.AI.Backend, "cumulative", aiService.Cumulative())

	eventBackend, err := openEvents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	events := hub.New(eventBackend, cfg.SSE.ReplayBufferSize)
	defer func() {
		if closeErr := events.Close(); closeErr != nil {
			slog.Error("Failed to close event hub", "error", closeErr)
		}
	}()

	registry := session.NewRegistry(
		session.WithRegistryPersister(repo),
		session.WithRegistryObserver(events.ObserveSessions),
		session.WithRegistryWriteTimeout(cfg.Timeout.PersistWrite),
	)

	demoCounter := counter.New(deviceKV, cfg.Chat.DemoMessageCap)
	orch, err := chat.New(chat.Deps{
		Stores:    registry,
		Users:     identity.UserResolver{},
		Counter:   demoCounter,
		Backend:   aiService,
		Publisher: events,
	}, chat.Config{
		CancelPolicy: cfg.Chat.CancelPolicy,
		ErrorMessage: cfg.Chat.ErrorMessage,
		ContextTurns: cfg.AI.ContextTurns,
		TurnTimeout:  cfg.AI.RequestTimeout,
		StopTimeout:  cfg.Timeout.StopRequest,
		Cumulative:   aiService.Cumulative(),
	})
	if err != nil {
		return fmt.Errorf("initialize chat: %w", err)
	}

	conns := ws.NewConnManager()
	apiHandler := api.NewHandler(api.Deps{
		Users:     repo,
		Registry:  registry,
		Chat:      orch,
		Counter:   demoCounter,
		Prefs:     deviceKV,
		Hub:       events,
		Agent:     aiService,
		OnSignOut: conns.CloseUser,
	}, cfg)
	defer apiHandler.Close()
	wsHandler := ws.NewHandler(ws.Deps{
		Users:    repo,
		Registry: registry,
		Chat:     orch,
		Hub:      events,
		Conns:    conns,
	}, cfg.FrontendURL, cfg.IsDevelopment())

	session.StartIdleWorker(ctx, registry, repo, session.DefaultSweepInterval, cfg.SessionIdleTTL, func(userID string) {
		orch.CancelUser(userID)
		events.Prune(userID)
		conns.CloseUser(userID)
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)
	r.Get("/ws/chat", wsHandler.ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	// SSE and streamed chat responses need WriteTimeout disabled; keepalives
	// hold idle streams open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("chat shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func openKV(ctx context.Context, cfg *config.Config, repo *store.SQLiteStore) (kv.Store, func(), error) {
	switch cfg.KV.Backend {
	case config.KVRedis:
		r, err := kv.NewRedis(ctx, cfg.KV.RedisAddr, cfg.KV.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connect key-value redis: %w", err)
		}
		slog.Info("Key-value store ready", "backend", config.KVRedis, "addr", cfg.KV.RedisAddr)
		return r, func() {
			if err := r.Close(); err != nil {
				slog.Error("Failed to close key-value redis", "error", err)
			}
		}, nil
	case config.KVMemory:
		slog.Warn("Key-value store is in memory; demo counters reset on restart")
		return kv.NewMemory(), func() {}, nil
	default:
		slog.Info("Key-value store ready", "backend", config.KVSQLite)
		return repo, func() {}, nil
	}
}

func openProcessor(cfg *config.Config, logger *slog.Logger) (agent.Processor, error) {
	clientCfg := agent.ClientConfig{
		EndpointURL:     cfg.AI.EndpointURL,
		StopURL:         cfg.AI.StopURL,
		RequestEncoding: cfg.AI.RequestEncoding,
		APIKey:          cfg.AI.APIKey,
		RequestTimeout:  cfg.AI.RequestTimeout,
		StopTimeout:     cfg.Timeout.StopRequest,
	}
	switch cfg.AI.Backend {
	case config.BackendGRPC:
		grpcCfg := agent.DefaultGrpcClientConfig()
		grpcCfg.Address = cfg.AI.GRPCAddr
		grpcCfg.RequestTimeout = cfg.AI.RequestTimeout
		grpcCfg.StopTimeout = cfg.Timeout.StopRequest
		client, err := agent.NewGrpcClient(grpcCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect AI gRPC backend: %w", err)
		}
		return client, nil
	case config.BackendStructured:
		clientCfg.EndpointURL = cfg.AI.StructuredURL
		return agent.NewStructuredClient(clientCfg, logger), nil
	default:
		return agent.NewHTTPClient(clientCfg, logger), nil
	}
}

func openEvents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (hub.Backend, error) {
	if cfg.Events.Transport == config.EventsRedis {
		backend, err := hub.NewRedisBackend(ctx, cfg.Events.RedisAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("connect event redis: %w", err)
		}
		slog.Info("Event transport ready", "transport", config.EventsRedis, "addr", cfg.Events.RedisAddr)
		return backend, nil
	}
	return hub.NewMemoryBackend(logger), nil
}
