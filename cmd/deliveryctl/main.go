// Command deliveryctl is the operator CLI for the delivery subsystem:
// dead-letter inspection and replay, job maintenance and schema migrations.
// It reads the same environment as the worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fleetrelay/internal/app"
	"fleetrelay/internal/config"
	"fleetrelay/internal/db"
	"fleetrelay/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

func main() {
	env := &commandEnv{
		out:          os.Stdout,
		err:          os.Stderr,
		open:         openBackend,
		openMigrator: openMigrator,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(env).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadConfig(config.NewSSMProvider(region))
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// cliLogger writes warnings and errors to stderr so they never mix with
// command output.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// openBackend wires the full app. Replays need the same adapters, egress
// rules and breakers the worker uses.
func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, &slogAdapter{logger: cliLogger()})
	if err != nil {
		return nil, err
	}
	b := &backend{
		DeadLetters: a.DeadLetters,
		Jobs:        a.Jobs,
		Close:       func() { a.Close(context.Background()) },
	}
	if q, ok := a.Queue.(enqueuer); ok {
		b.Queue = q
	}
	return b, nil
}

// openMigrator connects to the database only; migrations must run before
// the app can be wired against the schema.
func openMigrator(ctx context.Context) (migrator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	m, err := db.NewMigrator(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return m, func() {
		_ = m.Close()
		pool.Close()
	}, nil
}
