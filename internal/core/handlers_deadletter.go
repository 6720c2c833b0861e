package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fleetrelay/internal/deadletter"
	"fleetrelay/internal/types"
)

// maxReplayBatch bounds one batch replay request. Each id costs up to one
// adapter timeout; ids still queued when the request deadline passes come
// back as replay_not_attempted.
const maxReplayBatch = 100

type replayBatchRequest struct {
	IDs []string `json:"ids"`
}

type purgeRequest struct {
	OlderThan string `json:"older_than"`
}

type purgeResponse struct {
	Purged    int64  `json:"purged"`
	OlderThan string `json:"older_than"`
}

// HandleListDeadLetters serves GET /v1/dead-letters.
//
// Query parameters: status, tenant_id, route_id, destination_type, limit,
// cursor. Results are newest first; pass pagination.next_cursor back as
// cursor for the next page.
func (s *Server) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.DeadLetterFilter{
		Status:          types.DeadLetterStatus(q.Get("status")),
		TenantID:        q.Get("tenant_id"),
		RouteID:         q.Get("route_id"),
		DestinationType: types.DestinationType(q.Get("destination_type")),
		Cursor:          q.Get("cursor"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidQuery, "limit must be a positive integer", err))
			return
		}
		filter.Limit = limit
	}

	recs, page, err := s.DeadLetters.List(r.Context(), filter)
	if err != nil {
		Error(w, r, err)
		return
	}
	if recs == nil {
		recs = []*types.DeadLetterRecord{}
	}
	JSON(w, r, http.StatusOK, types.ListResponse[*types.DeadLetterRecord]{Data: recs, PageInfo: page})
}

// HandleGetDeadLetter serves GET /v1/dead-letters/{id}.
func (s *Server) HandleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.DeadLetters.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: rec})
}

// HandleReplayDeadLetter serves POST /v1/dead-letters/{id}/replay. A replay
// whose delivery fails is still a 200: the record was updated and the body
// says why the delivery did not succeed.
func (s *Server) HandleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.DeadLetters.Replay(r.Context(), id)
	if err != nil && !errors.Is(err, deadletter.ErrReplayFailed) {
		Error(w, r, err)
		return
	}

	result := deadletter.ReplayResult{ID: id, Record: rec, Delivered: err == nil}
	if err != nil {
		result.ErrorCode = types.CodeOf(err)
		result.Error = err.Error()
	}
	s.Logger.Info("dead letter replay requested",
		slog.String("dead_letter_id", id),
		slog.Bool("delivered", result.Delivered),
		slog.String("request_id", types.GetRequestID(r.Context())),
	)
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

// HandleReplayDeadLetters serves POST /v1/dead-letters/replay with a body of
// {"ids": [...]}. Every id gets a result entry.
func (s *Server) HandleReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req replayBatchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	switch {
	case len(req.IDs) == 0:
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "ids must not be empty", nil))
		return
	case len(req.IDs) > maxReplayBatch:
		Error(w, r, types.NewAppError(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("at most %d ids may be replayed per request", maxReplayBatch), nil))
		return
	}

	results := s.DeadLetters.ReplayMany(r.Context(), req.IDs)
	JSON(w, r, http.StatusOK, APIResponse{Data: results})
}

// HandleDiscardDeadLetter serves POST /v1/dead-letters/{id}/discard.
func (s *Server) HandleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.DeadLetters.Discard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: rec})
}

// HandlePurgeDeadLetters serves POST /v1/dead-letters/purge. The body may
// set older_than as a Go duration; the configured retention is the default.
func (s *Server) HandlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	olderThan := s.Config.DeadLetter.Retention
	if r.ContentLength != 0 {
		var req purgeRequest
		if err := DecodeJSON(w, r, &req); err != nil {
			Error(w, r, err)
			return
		}
		if req.OlderThan != "" {
			d, err := time.ParseDuration(req.OlderThan)
			if err != nil {
				Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidQuery, "older_than must be a duration such as 720h", err))
				return
			}
			olderThan = d
		}
	}

	n, err := s.DeadLetters.Purge(r.Context(), olderThan)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: purgeResponse{Purged: n, OlderThan: olderThan.String()}})
}
