// Package queue provides the two job sources the delivery pool can consume:
// the relational delivery_jobs table and an SQS queue.
package queue

import (
	"context"
	"time"

	"fleetrelay/internal/types"
)

// JobStore is the subset of db.JobRepository the relational queue needs.
type JobStore interface {
	Enqueue(ctx context.Context, job *types.DeliveryJob) error
	ClaimBatch(ctx context.Context, limit int) ([]*types.DeliveryJob, error)
	Complete(ctx context.Context, id string, attempts int) error
	Reschedule(ctx context.Context, id string, attempts int, delay time.Duration, lastErr string) error
	Fail(ctx context.Context, id string, attempts int, lastErr string) error
	RequeueStuck(ctx context.Context, after time.Duration) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

// PostgresQueue adapts a JobStore to delivery.Queue. Claims are rows in
// PROCESSING; they do not expire on their own, so the pool runs
// RequeueStuck periodically.
type PostgresQueue struct {
	store JobStore
}

// NewPostgresQueue creates a PostgresQueue.
func NewPostgresQueue(store JobStore) *PostgresQueue {
	return &PostgresQueue{store: store}
}

func (q *PostgresQueue) Name() string { return "delivery_jobs" }

func (q *PostgresQueue) Fetch(ctx context.Context, limit int) ([]*types.DeliveryJob, error) {
	return q.store.ClaimBatch(ctx, limit)
}

func (q *PostgresQueue) Ack(ctx context.Context, job *types.DeliveryJob) error {
	return q.store.Complete(ctx, job.ID, job.Attempts)
}

func (q *PostgresQueue) Retry(ctx context.Context, job *types.DeliveryJob, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return q.store.Reschedule(ctx, job.ID, job.Attempts, delay, job.LastError)
}

func (q *PostgresQueue) Terminal(ctx context.Context, job *types.DeliveryJob) error {
	return q.store.Fail(ctx, job.ID, job.Attempts, job.LastError)
}

// RequeueStuck releases claims older than after.
func (q *PostgresQueue) RequeueStuck(ctx context.Context, after time.Duration) (int64, error) {
	return q.store.RequeueStuck(ctx, after)
}

// CountPending reports the PENDING backlog.
func (q *PostgresQueue) CountPending(ctx context.Context) (int64, error) {
	return q.store.CountPending(ctx)
}

// Enqueue inserts a new PENDING job.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *types.DeliveryJob) error {
	return q.store.Enqueue(ctx, job)
}
