package db

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"fleetrelay/internal/types"
)

// jobColumns is the column order expected by scanJob.
const jobColumns = `id, tenant_id, route_id, topic, payload, destination_type,
	destination_config, status, attempts, next_run_at, created_at, started_at,
	completed_at, last_error`

// JobRepository owns the delivery_jobs table. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers, in this process or another,
// partition the pending set without blocking each other.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a JobRepository backed by db.
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue inserts a PENDING job. Producers normally write rows directly;
// this exists for tooling and tests. ID and NextRunAt are filled from the
// database defaults when empty.
func (r *JobRepository) Enqueue(ctx context.Context, job *types.DeliveryJob) error {
	var nextRunAt *time.Time
	if !job.NextRunAt.IsZero() {
		nextRunAt = &job.NextRunAt
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO delivery_jobs
		 (id, tenant_id, route_id, topic, payload, destination_type, destination_config, next_run_at)
		 VALUES (COALESCE($1, gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		 RETURNING `+jobColumns,
		nilIfEmpty(job.ID),
		job.TenantID,
		job.RouteID,
		job.Topic,
		jsonDoc(job.Payload),
		string(job.DestinationType),
		jsonDoc(job.DestinationConfig),
		nextRunAt,
	)
	stored, err := scanJob(row)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to enqueue delivery job", err)
	}
	*job = *stored
	return nil
}

// ClaimBatch moves up to limit eligible PENDING jobs to PROCESSING and
// returns them oldest first. Rows locked by a concurrent claim are skipped,
// never waited on. An empty backlog yields an empty slice.
func (r *JobRepository) ClaimBatch(ctx context.Context, limit int) ([]*types.DeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`UPDATE delivery_jobs j
		 SET status = 'PROCESSING', started_at = NOW(), updated_at = NOW()
		 FROM (
		     SELECT id FROM delivery_jobs
		     WHERE status = 'PENDING' AND next_run_at <= NOW()
		     ORDER BY created_at, id
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 ) claimed
		 WHERE j.id = claimed.id
		 RETURNING j.id, j.tenant_id, j.route_id, j.topic, j.payload, j.destination_type,
		           j.destination_config, j.status, j.attempts, j.next_run_at, j.created_at,
		           j.started_at, j.completed_at, j.last_error`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim delivery jobs", err)
	}
	defer rows.Close()

	var jobs []*types.DeliveryJob
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery job", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed jobs", err)
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// RequeueStuck returns PROCESSING jobs whose claim is older than after to
// PENDING, due immediately. Attempts are left untouched.
func (r *JobRepository) RequeueStuck(ctx context.Context, after time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_jobs
		 SET status = 'PENDING', next_run_at = NOW(), updated_at = NOW()
		 WHERE status = 'PROCESSING'
		   AND started_at < NOW() - make_interval(secs => $1)`,
		seconds(after),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to requeue stuck jobs", err)
	}
	return tag.RowsAffected(), nil
}

// Complete marks a claimed job delivered.
func (r *JobRepository) Complete(ctx context.Context, id string, attempts int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_jobs
		 SET status = 'COMPLETED',
		     attempts = GREATEST(attempts, $2),
		     last_error = NULL,
		     completed_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING'`,
		id, attempts,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete delivery job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "claimed delivery job not found", nil)
	}
	return nil
}

// Reschedule releases a claimed job back to PENDING, eligible after delay
// as measured by the database clock.
func (r *JobRepository) Reschedule(ctx context.Context, id string, attempts int, delay time.Duration, lastErr string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_jobs
		 SET status = 'PENDING',
		     attempts = GREATEST(attempts, $2),
		     next_run_at = NOW() + make_interval(secs => $3),
		     last_error = $4,
		     started_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING'`,
		id, attempts, seconds(delay), nilIfEmpty(types.TruncateError(lastErr)),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reschedule delivery job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "claimed delivery job not found", nil)
	}
	return nil
}

// Fail marks a claimed job terminally failed. The dead-letter record holds
// the replayable snapshot; the row is kept for history.
func (r *JobRepository) Fail(ctx context.Context, id string, attempts int, lastErr string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_jobs
		 SET status = 'FAILED',
		     attempts = GREATEST(attempts, $2),
		     last_error = $3,
		     completed_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'PROCESSING'`,
		id, attempts, nilIfEmpty(types.TruncateError(lastErr)),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to fail delivery job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "claimed delivery job not found", nil)
	}
	return nil
}

// Get fetches a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*types.DeliveryJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "delivery job not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get delivery job", err)
	}
	return job, nil
}

// CountPending counts PENDING jobs, due or not.
func (r *JobRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM delivery_jobs WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending jobs", err)
	}
	return n, nil
}

// scanJob reads one row in jobColumns order. pgx.Rows satisfies pgx.Row.
func scanJob(row pgx.Row) (*types.DeliveryJob, error) {
	var (
		job        types.DeliveryJob
		payload    []byte
		destConfig []byte
		destType   string
		status     string
		lastError  *string
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.RouteID,
		&job.Topic,
		&payload,
		&destType,
		&destConfig,
		&status,
		&job.Attempts,
		&job.NextRunAt,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&lastError,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	job.DestinationConfig = destConfig
	job.DestinationType = types.DestinationType(destType)
	job.Status = types.JobStatus(status)
	job.LastError = derefString(lastError)
	return &job, nil
}
