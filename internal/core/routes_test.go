package core

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrelay/internal/deadletter"
	"fleetrelay/internal/types"
)

func TestMountRoutes_AdminAPIOnlyWithDeadLetters(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/v1/dead-letters", "", admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMountRoutes_Metrics(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleetrelay_deliveries_total")
}

func TestHandleListDeadLetters(t *testing.T) {
	dl := newFakeDeadLetters(failedRecord("dl-1"))
	srv, _ := newTestServer(t, dl)

	rec := do(t, srv, http.MethodGet,
		"/v1/dead-letters?status=FAILED&tenant_id=tenant-1&route_id=r1&destination_type=webhook&limit=5&cursor=abc",
		"", admin())
	require.Equal(t, http.StatusOK, rec.Code)

	var body types.ListResponse[*types.DeadLetterRecord]
	decodeBody(t, rec, &body)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "dl-1", body.Data[0].ID)
	assert.Equal(t, types.DeadLetterFilter{
		Status:          types.DeadLetterFailed,
		TenantID:        "tenant-1",
		RouteID:         "r1",
		DestinationType: types.DestinationWebhook,
		Limit:           5,
		Cursor:          "abc",
	}, dl.lastFilter)
}

func TestHandleListDeadLetters_EmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t, newFakeDeadLetters())

	rec := do(t, srv, http.MethodGet, "/v1/dead-letters", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestHandleListDeadLetters_BadLimit(t *testing.T) {
	srv, _ := newTestServer(t, newFakeDeadLetters())

	for _, limit := range []string{"0", "-1", "ten"} {
		rec := do(t, srv, http.MethodGet, "/v1/dead-letters?limit="+limit, "", admin())
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)

		var body APIErrorResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, string(types.ErrCodeValidationInvalidQuery), body.Error.Code)
	}
}

func TestHandleGetDeadLetter(t *testing.T) {
	srv, _ := newTestServer(t, newFakeDeadLetters(failedRecord("dl-1")))

	rec := do(t, srv, http.MethodGet, "/v1/dead-letters/dl-1", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_code":"delivery_timeout"`)

	rec = do(t, srv, http.MethodGet, "/v1/dead-letters/dl-404", "", admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"dl-404"`)
}

type replayEnvelope struct {
	Data deadletter.ReplayResult `json:"data"`
}

func TestHandleReplayDeadLetter_Delivered(t *testing.T) {
	srv, logs := newTestServer(t, newFakeDeadLetters(failedRecord("dl-1")))

	rec := do(t, srv, http.MethodPost, "/v1/dead-letters/dl-1/replay", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)

	var body replayEnvelope
	decodeBody(t, rec, &body)
	assert.True(t, body.Data.Delivered)
	assert.Equal(t, types.DeadLetterReplayed, body.Data.Record.Status)
	assert.Equal(t, 4, body.Data.Record.Attempts)
	assert.Empty(t, body.Data.ErrorCode)
	assert.Contains(t, logs.String(), "dead letter replay requested")
}

func TestHandleReplayDeadLetter_DeliveryFailedIsOK(t *testing.T) {
	dl := newFakeDeadLetters(failedRecord("dl-1"))
	dl.replayErr["dl-1"] = fmt.Errorf("%w: %w", deadletter.ErrReplayFailed,
		types.NewAppError(types.ErrCodeDeliveryServerError, "HTTP 503", nil))
	srv, _ := newTestServer(t, dl)

	rec := do(t, srv, http.MethodPost, "/v1/dead-letters/dl-1/replay", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)

	var body replayEnvelope
	decodeBody(t, rec, &body)
	assert.False(t, body.Data.Delivered)
	assert.Equal(t, types.ErrCodeDeliveryServerError, body.Data.ErrorCode)
	assert.Contains(t, body.Data.Error, "HTTP 503")
	assert.Equal(t, types.DeadLetterFailed, body.Data.Record.Status)
}

func TestHandleReplayDeadLetter_Errors(t *testing.T) {
	replayed := failedRecord("dl-2")
	replayed.Status = types.DeadLetterReplayed
	srv, _ := newTestServer(t, newFakeDeadLetters(replayed))

	rec := do(t, srv, http.MethodPost, "/v1/dead-letters/dl-404/replay", "", admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/dead-letters/dl-2/replay", "", admin())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleReplayDeadLetters_Batch(t *testing.T) {
	dl := newFakeDeadLetters(failedRecord("dl-1"), failedRecord("dl-2"))
	dl.replayErr["dl-2"] = fmt.Errorf("%w: %w", deadletter.ErrReplayFailed,
		types.NewAppError(types.ErrCodeDeliveryTimeout, "timeout", nil))
	srv, _ := newTestServer(t, dl)

	rec := do(t, srv, http.MethodPost, "/v1/dead-letters/replay", `{"ids":["dl-1","dl-2","dl-404"]}`, admin())
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []deadletter.ReplayResult `json:"data"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Data, 3)
	assert.True(t, body.Data[0].Delivered)
	assert.False(t, body.Data[1].Delivered)
	assert.Equal(t, types.ErrCodeDeliveryTimeout, body.Data[1].ErrorCode)
	assert.Equal(t, types.ErrCodeNotFoundDeadLetter, body.Data[2].ErrorCode)
}

func TestHandleReplayDeadLetters_Validation(t *testing.T) {
	srv, _ := newTestServer(t, newFakeDeadLetters())

	ids := make([]string, maxReplayBatch+1)
	for i := range ids {
		ids[i] = fmt.Sprintf(`"dl-%d"`, i)
	}

	tests := []struct {
		name     string
		body     string
		wantCode types.ErrorCode
	}{
		{"empty ids", `{"ids":[]}`, types.ErrCodeValidationMissingField},
		{"too many", `{"ids":[` + strings.Join(ids, ",") + `]}`, types.ErrCodeValidationBatchSize},
		{"bad json", `{"ids":`, types.ErrCodeValidationInvalidJSON},
		{"unknown field", `{"id":"dl-1"}`, types.ErrCodeValidationInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/v1/dead-letters/replay", tt.body, admin())
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body APIErrorResponse
			decodeBody(t, rec, &body)
			assert.Equal(t, string(tt.wantCode), body.Error.Code)
		})
	}
}

func TestHandleDiscardDeadLetter(t *testing.T) {
	dl := newFakeDeadLetters(failedRecord("dl-1"))
	srv, _ := newTestServer(t, dl)

	rec := do(t, srv, http.MethodPost, "/v1/dead-letters/dl-1/discard", "", admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"DISCARDED"`)

	rec = do(t, srv, http.MethodPost, "/v1/dead-letters/dl-1/discard", "", admin())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlePurgeDeadLetters(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantAge  time.Duration
	}{
		{name: "default retention", wantCode: http.StatusOK, wantAge: 720 * time.Hour},
		{name: "explicit", body: `{"older_than":"48h"}`, wantCode: http.StatusOK, wantAge: 48 * time.Hour},
		{name: "empty object", body: `{}`, wantCode: http.StatusOK, wantAge: 720 * time.Hour},
		{name: "bad duration", body: `{"older_than":"two days"}`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := newFakeDeadLetters()
			srv, _ := newTestServer(t, dl)

			rec := do(t, srv, http.MethodPost, "/v1/dead-letters/purge", tt.body, admin())
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantAge, dl.purgedAge)
			assert.JSONEq(t, fmt.Sprintf(`{"data":{"purged":3,"older_than":%q}}`, tt.wantAge.String()), rec.Body.String())
		})
	}
}
