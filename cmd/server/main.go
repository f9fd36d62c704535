// Webpilot decision server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/webpilot/internal/agent"
	"github.com/ashureev/webpilot/internal/api"
	"github.com/ashureev/webpilot/internal/config"
	"github.com/ashureev/webpilot/internal/engine"
	"github.com/ashureev/webpilot/internal/llm"
	"github.com/ashureev/webpilot/internal/middleware"
	"github.com/ashureev/webpilot/internal/protocol"
	"github.com/ashureev/webpilot/internal/session"
	"github.com/ashureev/webpilot/internal/store"
	"github.com/ashureev/webpilot/internal/stream"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "llm_provider", cfg.LLM.Provider)

	repo, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	if cfg.CleanupOnStart {
		removed, err := repo.CleanupExpired(context.Background(), cfg.SessionTTL)
		if err != nil {
			slog.Error("Failed to cleanup expired sessions", "error", err)
			os.Exit(1)
		}
		slog.Info("Expired session cleanup complete", "sessions_deleted", removed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := llm.New(ctx, llm.Config{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OpenAIKey:     cfg.LLM.OpenAIKey,
		OpenAIBaseURL: cfg.LLM.OpenAIBaseURL,
		GeminiKey:     cfg.LLM.GeminiKey,
	})
	if err != nil {
		slog.Error("Failed to initialize language model client", "error", err)
		os.Exit(1)
	}
	slog.Info("Language model client ready", "client", client.Name())

	policy, err := engine.NewNavigationPolicy(cfg.Nav.Allow, cfg.Nav.Deny)
	if err != nil {
		slog.Error("Invalid navigation policy", "error", err)
		os.Exit(1)
	}

	reg := session.NewRegistry(session.WithDecisionInterval(cfg.Decision.MinInterval))
	eng := engine.New(client, engineConfig(cfg), engine.WithPolicy(policy))
	hub := stream.NewHub(stream.WithDeduper(protocol.NewDeduper(cfg.Decision.DedupWindow, nil)))
	svc := agent.NewService(reg, eng, hub, repo, agent.WithLogger(logger))
	defer svc.Close()

	hub.SetPresence(func(sessionID string, role stream.Role, attached bool) {
		if role == stream.RoleExecutor {
			svc.ExecutorPresence(sessionID, attached)
		}
	})

	sweeperDone := session.StartSweeper(ctx, reg, cfg.SweepInterval, cfg.SessionTTL, svc.Expire)

	sessionHandler := api.NewSessionHandler(svc, cfg.MaxRequestBody)
	healthHandler := api.NewHealthHandler(repo, reg.Len)
	wsHandler := stream.NewWebSocketHandler(hub, svc, cfg.AllowedOrigins, logger)
	sseHandler := stream.NewSSEHandler(hub, svc, 5*time.Second, cfg.KeepalivePeriod)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	r.Get("/api/sessions/{id}/stream", sseHandler.ServeHTTP)
	r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-sweeperDone
	reg.Close()

	slog.Info("Server stopped successfully")
}

func openStore(cfg *config.Config) (store.Repository, error) {
	if cfg.DBPath == "" {
		slog.Warn("DB_PATH is empty, step journal disabled")
		return store.Nop(), nil
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.AskRepeatWindow = cfg.Decision.AskRepeatWindow
	ec.ReadInterval = cfg.Decision.ReadInterval
	ec.LLMTimeout = cfg.LLM.Timeout
	ec.MaxTokens = cfg.LLM.MaxTokens
	ec.Temperature = float32(cfg.LLM.Temperature)
	ec.Limits.MaxText = cfg.Decision.MaxTypedText
	return ec
}
