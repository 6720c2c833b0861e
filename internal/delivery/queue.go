package delivery

import (
	"context"
	"time"

	"fleetrelay/internal/types"
)

// Queue is the job source seen by the pool. Both the relational table and
// the SQS consumer implement it; the dispatcher never knows which one it has.
//
// Fetch claims up to limit jobs for the caller. A job returned by Fetch is
// owned by the caller until exactly one of Ack, Retry or Terminal is called
// for it (or its claim lease expires).
type Queue interface {
	Name() string
	Fetch(ctx context.Context, limit int) ([]*types.DeliveryJob, error)
	// Ack marks the job delivered.
	Ack(ctx context.Context, job *types.DeliveryJob) error
	// Retry makes the job claimable again after delay. job.Attempts and
	// job.LastError carry the values to persist.
	Retry(ctx context.Context, job *types.DeliveryJob, delay time.Duration) error
	// Terminal removes the job from the retry set. Called after the
	// dead-letter write has been attempted.
	Terminal(ctx context.Context, job *types.DeliveryJob) error
}

// DepthReporter is implemented by queues that can report their backlog.
type DepthReporter interface {
	CountPending(ctx context.Context) (int64, error)
}

// StuckRecoverer is implemented by queues whose claims do not expire on
// their own. RequeueStuck returns jobs claimed longer than after ago to the
// pending set.
type StuckRecoverer interface {
	RequeueStuck(ctx context.Context, after time.Duration) (int64, error)
}

// DeadLetterWriter persists a terminally failed job. The dispatcher treats
// it as best-effort.
type DeadLetterWriter interface {
	Write(ctx context.Context, job *types.DeliveryJob, cause error) error
}
