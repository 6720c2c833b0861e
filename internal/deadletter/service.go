// Package deadletter manages jobs that will not be retried automatically:
// it records them when the dispatcher gives up and lets operators inspect,
// replay, discard or purge them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetrelay/internal/config"
	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

var _ delivery.DeadLetterWriter = (*Service)(nil)

// ErrReplayFailed wraps the delivery error of a replay that reached the
// adapter path and failed. The record was updated.
var ErrReplayFailed = errors.New("deadletter: replay delivery failed")

// Store is the persistence used by Service. *db.DeadLetterRepository
// implements it.
type Store interface {
	Insert(ctx context.Context, rec *types.DeadLetterRecord) error
	Get(ctx context.Context, id string) (*types.DeadLetterRecord, error)
	List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterRecord, types.PageInfo, error)
	MarkReplayed(ctx context.Context, id string, attempts int) (*types.DeadLetterRecord, error)
	RecordReplayFailure(ctx context.Context, id string, attempts int, code types.ErrorCode, message string) (*types.DeadLetterRecord, error)
	Discard(ctx context.Context, id string) (*types.DeadLetterRecord, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Attempter performs a single delivery. *delivery.Dispatcher implements it.
type Attempter interface {
	Attempt(ctx context.Context, job *types.DeliveryJob) delivery.Result
}

// ReplayResult is the outcome of replaying one record in a batch.
type ReplayResult struct {
	ID        string                  `json:"id"`
	Record    *types.DeadLetterRecord `json:"record,omitempty"`
	Delivered bool                    `json:"delivered"`
	ErrorCode types.ErrorCode         `json:"error_code,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Service implements the dead-letter operations.
type Service struct {
	store     Store
	attempter Attempter
	metrics   delivery.Metrics
	logger    types.Logger
}

// NewService creates a Service over store. Replay is unavailable until
// SetAttempter is called.
func NewService(store Store, metrics delivery.Metrics, logger types.Logger) *Service {
	if metrics == nil {
		metrics = delivery.NopMetrics{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Service{store: store, metrics: metrics, logger: logger}
}

// SetAttempter wires the dispatcher used by Replay. The dispatcher itself
// writes through the Service, so the two are connected after construction.
func (s *Service) SetAttempter(a Attempter) {
	s.attempter = a
}

// Write persists a snapshot of job with the code and message of cause.
func (s *Service) Write(ctx context.Context, job *types.DeliveryJob, cause error) error {
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}
	rec := &types.DeadLetterRecord{
		TenantID:          job.TenantID,
		RouteID:           job.RouteID,
		JobID:             job.ID,
		OriginalTopic:     job.Topic,
		Payload:           job.Payload,
		DestinationType:   job.DestinationType,
		DestinationConfig: job.DestinationConfig,
		ErrorCode:         types.CodeOf(cause),
		ErrorMessage:      types.TruncateError(message),
		Attempts:          job.Attempts,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		s.logger.Error("failed to write dead letter",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"error", err.Error(),
		)
		return err
	}
	s.metrics.RecordDeadLetter(ctx, job.TenantID)
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*types.DeadLetterRecord, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of records matching filter, newest first.
func (s *Service) List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterRecord, types.PageInfo, error) {
	switch filter.Status {
	case "", types.DeadLetterFailed, types.DeadLetterReplayed, types.DeadLetterDiscarded:
	default:
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeValidationInvalidQuery,
			fmt.Sprintf("unknown dead letter status %q", filter.Status), nil)
	}
	if filter.Limit < 0 {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeValidationInvalidQuery, "limit must not be negative", nil)
	}
	return s.store.List(ctx, filter)
}

// Replay attempts the record's delivery once. The returned record reflects
// the stored state afterwards. When the delivery fails the record stays
// FAILED and an error wrapping ErrReplayFailed is returned alongside it.
func (s *Service) Replay(ctx context.Context, id string) (*types.DeadLetterRecord, error) {
	if s.attempter == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "replay is not configured", nil)
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.DeadLetterFailed {
		return nil, types.NewAppError(types.ErrCodeConflictDeadLetterState,
			fmt.Sprintf("dead letter %s is %s; only FAILED records can be replayed", id, rec.Status), nil).
			WithDetails(map[string]any{"status": string(rec.Status)})
	}

	logger := s.logger.With("dead_letter_id", rec.ID, "job_id", rec.JobID, "tenant_id", rec.TenantID)
	res := s.attempter.Attempt(ctx, rec.ToJob())
	attempts := rec.Attempts + 1

	// The outcome is recorded even if the request ends mid-attempt.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.SettleTimeout)
	defer cancel()

	if res.OK() {
		updated, err := s.store.MarkReplayed(settleCtx, id, attempts)
		if err != nil {
			logger.Error("replay delivered but record update failed", "error", err.Error())
			return nil, err
		}
		logger.Info("dead letter replayed", "attempts", attempts)
		return updated, nil
	}

	updated, err := s.store.RecordReplayFailure(settleCtx, id, attempts, res.Code(), res.Err.Error())
	if err != nil {
		logger.Error("failed to record replay failure", "error", err.Error())
		return nil, err
	}
	logger.Warn("dead letter replay failed",
		"attempts", attempts,
		"error_code", string(res.Code()),
		"error", res.Err.Error(),
	)
	return updated, fmt.Errorf("%w: %w", ErrReplayFailed, res.Err)
}

// ReplayMany replays each id in order. A failure on one id never stops the
// rest. Once ctx ends, the remaining ids are reported as not attempted and
// their records are left untouched.
func (s *Service) ReplayMany(ctx context.Context, ids []string) []ReplayResult {
	out := make([]ReplayResult, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			out = append(out, ReplayResult{
				ID:        id,
				ErrorCode: types.ErrCodeReplayNotAttempted,
				Error:     "request ended before this replay started",
			})
			continue
		}
		rec, err := s.Replay(ctx, id)
		r := ReplayResult{ID: id, Record: rec, Delivered: err == nil}
		if err != nil {
			r.ErrorCode = types.CodeOf(err)
			r.Error = err.Error()
		}
		out = append(out, r)
	}
	return out
}

// Discard marks a FAILED record DISCARDED.
func (s *Service) Discard(ctx context.Context, id string) (*types.DeadLetterRecord, error) {
	rec, err := s.store.Discard(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dead letter discarded", "dead_letter_id", id, "tenant_id", rec.TenantID)
	return rec, nil
}

// Purge deletes FAILED records older than olderThan.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidQuery, "purge age must be positive", nil)
	}
	n, err := s.store.Purge(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	s.logger.Info("dead letters purged", "count", n, "older_than", olderThan.String())
	return n, nil
}
