package db

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"fleetrelay/internal/types"
)

const (
	defaultDeadLetterPageSize = 50
	maxDeadLetterPageSize     = 500
)

const deadLetterColumns = `id, tenant_id, route_id, job_id, original_topic, payload,
	destination_type, destination_config, error_code, error_message, attempts,
	status, created_at, updated_at, replayed_at`

// DeadLetterRepository owns the dead_letters table. Records are only
// mutated by explicit operator actions and only deleted by Purge.
type DeadLetterRepository struct {
	db DBTX
}

// NewDeadLetterRepository creates a DeadLetterRepository backed by db.
func NewDeadLetterRepository(db DBTX) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Insert persists rec with status FAILED and fills its generated fields.
func (r *DeadLetterRepository) Insert(ctx context.Context, rec *types.DeadLetterRecord) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO dead_letters
		 (id, tenant_id, route_id, job_id, original_topic, payload, destination_type,
		  destination_config, error_code, error_message, attempts, status)
		 VALUES (COALESCE($1, gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'FAILED')
		 RETURNING `+deadLetterColumns,
		nilIfEmpty(rec.ID),
		rec.TenantID,
		rec.RouteID,
		rec.JobID,
		rec.OriginalTopic,
		jsonDoc(rec.Payload),
		string(rec.DestinationType),
		jsonDoc(rec.DestinationConfig),
		string(rec.ErrorCode),
		types.TruncateError(rec.ErrorMessage),
		rec.Attempts,
	)
	stored, err := scanDeadLetter(row)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert dead letter", err)
	}
	*rec = *stored
	return nil
}

// Get fetches one record.
func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*types.DeadLetterRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	rec, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get dead letter", err)
	}
	return rec, nil
}

// List returns records newest first, filtered by the non-zero fields of
// filter. Pagination is keyset on (created_at, id) via an opaque cursor.
func (r *DeadLetterRepository) List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterRecord, types.PageInfo, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeadLetterPageSize
	}
	if limit > maxDeadLetterPageSize {
		limit = maxDeadLetterPageSize
	}

	var (
		conditions []string
		args       []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.RouteID != "" {
		add("route_id = $%d", filter.RouteID)
	}
	if filter.DestinationType != "" {
		add("destination_type = $%d", string(filter.DestinationType))
	}
	if filter.Cursor != "" {
		createdAt, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeValidationInvalidQuery, "invalid cursor", err)
		}
		args = append(args, createdAt, id)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", err)
	}
	defer rows.Close()

	var out []*types.DeadLetterRecord
	for rows.Next() {
		rec, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dead letter", scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating dead letters", err)
	}

	var page types.PageInfo
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		page.HasMore = true
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return out, page, nil
}

// MarkReplayed records a successful replay. Only FAILED records move.
func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, attempts int) (*types.DeadLetterRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE dead_letters
		 SET status = 'REPLAYED', attempts = $2, replayed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'FAILED'
		 RETURNING `+deadLetterColumns,
		id, attempts,
	)
	return r.transition(ctx, id, row, "failed to mark dead letter replayed")
}

// RecordReplayFailure keeps the record FAILED with the new error and count.
func (r *DeadLetterRepository) RecordReplayFailure(ctx context.Context, id string, attempts int, code types.ErrorCode, message string) (*types.DeadLetterRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE dead_letters
		 SET attempts = $2, error_code = $3, error_message = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'FAILED'
		 RETURNING `+deadLetterColumns,
		id, attempts, string(code), types.TruncateError(message),
	)
	return r.transition(ctx, id, row, "failed to record replay failure")
}

// Discard marks a FAILED record DISCARDED without replaying it.
func (r *DeadLetterRepository) Discard(ctx context.Context, id string) (*types.DeadLetterRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE dead_letters
		 SET status = 'DISCARDED', updated_at = NOW()
		 WHERE id = $1 AND status = 'FAILED'
		 RETURNING `+deadLetterColumns,
		id,
	)
	return r.transition(ctx, id, row, "failed to discard dead letter")
}

// Purge hard-deletes FAILED records created more than olderThan ago.
func (r *DeadLetterRepository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM dead_letters
		 WHERE status = 'FAILED'
		   AND created_at < NOW() - make_interval(secs => $1)`,
		seconds(olderThan),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge dead letters", err)
	}
	return tag.RowsAffected(), nil
}

// transition scans the RETURNING row of a guarded status update. No row
// means the record is missing or not FAILED; Get tells the two apart.
func (r *DeadLetterRepository) transition(ctx context.Context, id string, row pgx.Row, msg string) (*types.DeadLetterRecord, error) {
	rec, err := scanDeadLetter(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, msg, err)
	}

	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, types.NewAppError(
		types.ErrCodeConflictDeadLetterState,
		fmt.Sprintf("dead letter is %s, expected %s", current.Status, types.DeadLetterFailed),
		nil,
	).WithDetails(map[string]any{"status": string(current.Status)})
}

func scanDeadLetter(row pgx.Row) (*types.DeadLetterRecord, error) {
	var (
		rec        types.DeadLetterRecord
		payload    []byte
		destConfig []byte
		destType   string
		errorCode  string
		status     string
	)
	err := row.Scan(
		&rec.ID,
		&rec.TenantID,
		&rec.RouteID,
		&rec.JobID,
		&rec.OriginalTopic,
		&payload,
		&destType,
		&destConfig,
		&errorCode,
		&rec.ErrorMessage,
		&rec.Attempts,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ReplayedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.DestinationConfig = destConfig
	rec.DestinationType = types.DestinationType(destType)
	rec.ErrorCode = types.ErrorCode(errorCode)
	rec.Status = types.DeadLetterStatus(status)
	return &rec, nil
}

// encodeCursor packs the keyset position into an opaque token.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", err
	}
	return createdAt, id, nil
}
