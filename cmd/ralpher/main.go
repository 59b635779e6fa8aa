// Ralpher orchestrator server — supervises agent loops over isolated git
// worktrees and exposes the HTTP/WebSocket API the UI talks to.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	echo "github.com/labstack/echo/v5"

	"github.com/ralphlabs/ralpher/pkg/api"
	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/config"
	"github.com/ralphlabs/ralpher/pkg/database"
	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/git"
	"github.com/ralphlabs/ralpher/pkg/manager"
	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/shell"
	"github.com/ralphlabs/ralpher/pkg/store"
	"github.com/ralphlabs/ralpher/pkg/version"
)

// logLevelPreferenceKey is the preferences row holding the persisted log
// level. The RALPHER_LOG_LEVEL env var overrides it.
const logLevelPreferenceKey = "log_level"

func configureLogging(ctx context.Context, cfg *config.Config, prefs *store.PreferenceStore) {
	name := cfg.LogLevel
	if name == "" {
		if stored, ok, err := prefs.Get(ctx, logLevelPreferenceKey); err == nil && ok {
			name = stored
		}
	}

	level, known := config.ParseLogLevel(name)
	if name != "" && !known {
		slog.Warn("Unknown log level, using info", "level", name)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting ralpher",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"remote_only", cfg.IsRemoteOnly())

	ctx := context.Background()

	dbClient, err := database.Open(ctx, cfg.DataDir)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "path", dbClient.Path())

	stores := store.New(dbClient.DB())
	configureLogging(ctx, cfg, stores.Preferences)

	// Event plumbing: engines emit onto the bus; the connection manager fans
	// events out to WebSocket subscribers.
	bus := events.NewBus()
	connManager := events.NewConnectionManager(10 * time.Second)
	unsubscribe := connManager.ForwardBus(bus)
	defer unsubscribe()

	localExec := shell.NewLocalExecutor()
	gitSvc := git.NewService(localExec)

	// A nil factory picks spawn or connect from the workspace settings. In
	// remote-only mode every workspace talks HTTP regardless of settings.
	var factory backend.Factory
	if cfg.IsRemoteOnly() {
		factory = func(settings models.ServerSettings, _ string) backend.Backend {
			return backend.NewHTTPBackend(settings)
		}
	}
	backends := backend.NewManager(cfg.ConnectTimeout, factory)

	mgr := manager.New(stores, bus, gitSvc, localExec, backends, cfg.PersistInterval)
	if err := mgr.Recover(ctx); err != nil {
		slog.Error("Startup recovery scan failed", "error", err)
		os.Exit(1)
	}

	e := echo.New()
	server := api.NewServer(mgr, stores, backends, connManager, dbClient, cfg.IsRemoteOnly())
	server.RegisterRoutes(e)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop taking requests first, then stop engines so their final state is
	// persisted without new mutations racing in.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	mgrShutdownCtx, mgrCancel := context.WithTimeout(ctx, 30*time.Second)
	defer mgrCancel()
	if err := mgr.Shutdown(mgrShutdownCtx); err != nil {
		slog.Error("Manager shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
