package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"fleetrelay/internal/core"
	"fleetrelay/internal/types"
)

// stuckRequeuer is satisfied by *db.JobRepository.
type stuckRequeuer interface {
	RequeueStuck(ctx context.Context, after time.Duration) (int64, error)
}

// enqueuer is satisfied by both queue backends.
type enqueuer interface {
	Enqueue(ctx context.Context, job *types.DeliveryJob) error
}

// migrator is satisfied by *db.Migrator.
type migrator interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

// backend is what the dlq and jobs commands operate on.
type backend struct {
	DeadLetters core.DeadLetterService
	Jobs        stuckRequeuer
	Queue       enqueuer
	Close       func()
}

// commandEnv carries the output writer and the constructors the commands
// call lazily, so --help never touches the network.
type commandEnv struct {
	out          io.Writer
	err          io.Writer
	open         func(ctx context.Context) (*backend, error)
	openMigrator func(ctx context.Context) (migrator, func(), error)
}

// withBackend opens the backend, runs fn and closes it.
func (e *commandEnv) withBackend(ctx context.Context, fn func(b *backend) error) error {
	b, err := e.open(ctx)
	if err != nil {
		return err
	}
	if b.Close != nil {
		defer b.Close()
	}
	return fn(b)
}

func (e *commandEnv) errOut() io.Writer {
	if e.err == nil {
		return e.out
	}
	return e.err
}

func (e *commandEnv) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format, args...)
}

func newRootCmd(env *commandEnv) *cobra.Command {
	root := &cobra.Command{
		Use:          "deliveryctl",
		Short:        "Operate the alert delivery subsystem",
		SilenceUsage: true,
	}
	root.SetOut(env.out)
	root.SetErr(env.errOut())
	root.AddCommand(newDLQCmd(env))
	root.AddCommand(newJobsCmd(env))
	root.AddCommand(newMigrateCmd(env))
	return root
}
