package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/filesystem"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/outbound/logging"
	"github.com/sophialabs/kbeconsole/internal/infrastructure/wiring"
)

// App is the thin lifecycle manager that delegates dependency construction to wiring.Container.
type App struct {
	cfg        Config
	container  *wiring.Container
	httpServer *http.Server
}

// New constructs the application by creating a logger, wiring infrastructure
// components via the container, and setting up the HTTP server.
func New(cfg Config) (*App, error) {
	logger := logging.NewText(os.Stdout, cfg.LogLevel)

	container, err := wiring.New(wiring.Params{
		SettingsPath:   cfg.SettingsFile,
		ProbeLogSize:   cfg.ProbeLogSize,
		RateLimiterTTL: cfg.RateLimiterTTL,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wire infrastructure: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      container.Server(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		container:  container,
		httpServer: httpServer,
	}, nil
}

// Run executes the full application lifecycle: start the settings watcher,
// serve HTTP, and shut down gracefully on SIGINT/SIGTERM or context cancellation.
// The machines buffer stays idle until the first query.
func (a *App) Run(ctx context.Context) error {
	defer a.container.Close()

	logger := a.container.Logger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := a.setupWatcher()
	if watcher != nil {
		defer watcher.Stop()
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting console server", "addr", a.httpServer.Addr, "settings", a.container.SettingsPath())
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func (a *App) setupWatcher() *filesystem.Watcher {
	logger := a.container.Logger()
	path := a.container.SettingsPath()
	if path == "" {
		return nil
	}

	watcher, err := filesystem.NewWatcher(path, a.cfg.WatcherDebounce, logger, func() {
		if err := a.container.Reload(context.Background()); err != nil {
			logger.Error("settings reload failed", "error", err)
			return
		}
		logger.Info("settings reloaded", "path", path)
	})
	if err != nil {
		logger.Warn("settings watcher not available", "error", err)
		return nil
	}

	watcher.Start()
	logger.Info("settings watcher started", "path", path)
	return watcher
}
