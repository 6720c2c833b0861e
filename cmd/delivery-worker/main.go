// Package main is the entry point for the delivery worker.
//
// Startup:
//  1. Load configuration (SSM pointers resolved outside APP_ENV=local).
//  2. Build the app: database pool, queue, adapters, metrics backend,
//     dead-letter service, dispatcher and worker pool.
//  3. Start the HTTP listener for /healthz, /readyz, /metrics and the
//     dead-letter admin API.
//  4. Start the worker pool and mark the process ready.
//
// Shutdown on SIGINT/SIGTERM: mark not ready, stop fetching, let claimed
// jobs settle, then shut the HTTP listener down and close connections.
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

	"fleetrelay/internal/app"
	"fleetrelay/internal/config"
	"fleetrelay/internal/core"
	"fleetrelay/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error and Warn, but its With returns
// *slog.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the worker lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(awsRegion()))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel).With("service", cfg.Service)
	logger.Info("delivery worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"queue_backend", cfg.Queue.Backend,
		"workers", cfg.Worker.Count,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, &slogAdapter{logger: logger})
	if err != nil {
		return fmt.Errorf("wiring app: %w", err)
	}

	srv, err := a.NewServer(logger)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("creating server: %w", err)
	}

	return serve(ctx, a, srv, cfg, logger)
}

// serve runs the HTTP listener and the worker pool until ctx is cancelled
// or either of them fails, then shuts both down in order.
func serve(ctx context.Context, a *app.App, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- a.Run(poolCtx)
	}()
	srv.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case err := <-poolDone:
		runErr = fmt.Errorf("worker pool stopped: %w", err)
		poolDone = nil
	}

	logger.Info("initiating graceful shutdown")
	srv.SetReady(false)
	cancelPool()
	if poolDone != nil {
		if err := <-poolDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool drain error", "error", err)
		}
	}
	logger.Info("worker pool drained")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	a.Close(shutdownCtx)

	if runErr == nil {
		logger.Info("delivery worker stopped cleanly")
	}
	return runErr
}

// awsRegion is read before configuration is loaded because the SSM provider
// needs it to resolve the rest.
func awsRegion() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return "us-east-1"
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
