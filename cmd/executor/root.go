package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/webpilot/internal/bridge"
	"github.com/ashureev/webpilot/internal/browser"
	"github.com/ashureev/webpilot/internal/config"
	"github.com/ashureev/webpilot/internal/connection"
	"github.com/ashureev/webpilot/internal/identity"
	"github.com/ashureev/webpilot/internal/protocol"
)

type options struct {
	server    string
	sessionID string
	goal      string
	startURL  string
	headless  bool
	keepalive time.Duration
	logLevel  string
	width     int
	height    int
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "webpilot-executor",
		Short: "Drive a browser for a webpilot decision server.",
		Long: "Connects to a webpilot server as the executing side of a session, " +
			"runs proposed and approved actions in Chrome and reports results and observations.",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
			if opts.sessionID != "" {
				return identity.CheckSessionID(opts.sessionID)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "decision server base URL")
	f.StringVar(&opts.sessionID, "session", "", "existing session id; a new session is created when empty")
	f.StringVar(&opts.goal, "goal", "", "goal to send as the first instruction")
	f.StringVar(&opts.startURL, "start-url", "", "page to open before the first observation")
	f.BoolVar(&opts.headless, "headless", true, "run Chrome headless")
	f.DurationVar(&opts.keepalive, "keepalive", connection.DefaultKeepalive, "keepalive ping interval")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.IntVar(&opts.width, "width", 1280, "viewport width")
	f.IntVar(&opts.height, "height", 720, "viewport height")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(opts.logLevel),
	}))
	slog.SetDefault(logger)

	client := &http.Client{Timeout: 15 * time.Second}
	sessionID := opts.sessionID
	goalSent := false
	if sessionID == "" {
		id, err := createSession(ctx, client, opts.server, opts.goal)
		if err != nil {
			return err
		}
		sessionID, goalSent = id, opts.goal != ""
		logger.Info("Session created", "session_id", sessionID)
	}

	bo := browser.DefaultOptions()
	bo.Headless = opts.headless
	bo.Width, bo.Height = opts.width, opts.height
	chrome, err := browser.New(bo, logger)
	if err != nil {
		return err
	}
	defer chrome.Close()

	runner := bridge.New(chrome, nil, bridge.DefaultConfig(), logger)
	defer runner.Close()

	mgr := connection.NewManager(
		&connection.WebSocketDialer{BaseURL: opts.server},
		runner.Handle,
		connection.WithKeepalive(opts.keepalive),
		connection.WithStateFunc(runner.OnState),
		connection.WithLogger(logger),
	)
	defer mgr.Shutdown()
	runner.SetSender(mgr)

	if err := mgr.Connect(ctx, sessionID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Initial connect failed, retrying in background", "session_id", sessionID, "error", err)
	}

	if opts.goal != "" && !goalSent {
		if err := mgr.Send(ctx, sessionID, protocol.NewInstruction(sessionID, opts.goal)); err != nil {
			return fmt.Errorf("send goal: %w", err)
		}
	}

	if opts.startURL != "" {
		if err := runner.Navigate(ctx, sessionID, opts.startURL); err != nil {
			logger.Error("Failed to open start page", "session_id", sessionID, "url", opts.startURL, "error", err)
		}
	}

	logger.Info("Executor running", "session_id", sessionID, "server", opts.server)
	<-ctx.Done()
	logger.Info("Shutting down executor", "session_id", sessionID)

	mgr.Close(sessionID)
	runner.Teardown(sessionID)
	chrome.CloseTab(sessionID)
	return nil
}
