package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetrelay/internal/config"
	"fleetrelay/internal/deadletter"
	"fleetrelay/internal/types"
)

const testAdminKey = "admin-secret-key"

// --- Mock Health Probe ---

type mockHealthProbe struct {
	name     string
	checkErr error
	delay    time.Duration
	panicVal any
	called   atomic.Bool
}

func (m *mockHealthProbe) Name() string { return m.name }

func (m *mockHealthProbe) Check(ctx context.Context) error {
	m.called.Store(true)
	if m.panicVal != nil {
		panic(m.panicVal)
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.checkErr
}

// --- Fake DeadLetterService ---

type fakeDeadLetters struct {
	mu      sync.Mutex
	records map[string]*types.DeadLetterRecord
	// replayErr is returned by Replay for the given id.
	replayErr  map[string]error
	lastFilter types.DeadLetterFilter
	purgedAge  time.Duration
}

func newFakeDeadLetters(recs ...*types.DeadLetterRecord) *fakeDeadLetters {
	f := &fakeDeadLetters{records: make(map[string]*types.DeadLetterRecord), replayErr: make(map[string]error)}
	for _, r := range recs {
		f.records[r.ID] = r
	}
	return f
}

func notFound(id string) error {
	return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil).
		WithDetails(map[string]any{"id": id})
}

func (f *fakeDeadLetters) List(_ context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterRecord, types.PageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	var out []*types.DeadLetterRecord
	for _, r := range f.records {
		if filter.Status == "" || r.Status == filter.Status {
			out = append(out, r)
		}
	}
	return out, types.PageInfo{}, nil
}

func (f *fakeDeadLetters) Get(_ context.Context, id string) (*types.DeadLetterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return nil, notFound(id)
}

func (f *fakeDeadLetters) Replay(_ context.Context, id string) (*types.DeadLetterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, notFound(id)
	}
	if r.Status != types.DeadLetterFailed {
		return nil, types.NewAppError(types.ErrCodeConflictDeadLetterState, "only FAILED records can be replayed", nil)
	}
	r.Attempts++
	if err := f.replayErr[id]; err != nil {
		return r, err
	}
	r.Status = types.DeadLetterReplayed
	return r, nil
}

func (f *fakeDeadLetters) ReplayMany(ctx context.Context, ids []string) []deadletter.ReplayResult {
	out := make([]deadletter.ReplayResult, 0, len(ids))
	for _, id := range ids {
		rec, err := f.Replay(ctx, id)
		res := deadletter.ReplayResult{ID: id, Record: rec, Delivered: err == nil}
		if err != nil {
			res.ErrorCode = types.CodeOf(err)
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

func (f *fakeDeadLetters) Discard(_ context.Context, id string) (*types.DeadLetterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, notFound(id)
	}
	if r.Status != types.DeadLetterFailed {
		return nil, types.NewAppError(types.ErrCodeConflictDeadLetterState, "only FAILED records can be discarded", nil)
	}
	r.Status = types.DeadLetterDiscarded
	return r, nil
}

func (f *fakeDeadLetters) Purge(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purgedAge = olderThan
	return 3, nil
}

// --- Helpers ---

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		Security:    config.SecurityConfig{AdminAPIKey: testAdminKey},
		DeadLetter:  config.DeadLetterConfig{Retention: 720 * time.Hour},
	}
}

// newTestServer returns a mounted, ready server whose logs go to buf.
func newTestServer(t *testing.T, dl DeadLetterService, probes ...HealthProbe) (*Server, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv, err := NewServer(testConfig(), logger)
	require.NoError(t, err)
	srv.HealthProbes = probes
	srv.DeadLetters = dl
	srv.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "fleetrelay_deliveries_total 1\n")
	})
	srv.MountRoutes()
	srv.SetReady(true)
	return srv, buf
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func admin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminKey}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func failedRecord(id string) *types.DeadLetterRecord {
	return &types.DeadLetterRecord{
		ID:              id,
		TenantID:        "tenant-1",
		JobID:           "job-" + id,
		Payload:         json.RawMessage(`{"alert_id":"a1"}`),
		DestinationType: types.DestinationWebhook,
		ErrorCode:       types.ErrCodeDeliveryTimeout,
		ErrorMessage:    "timeout",
		Attempts:        3,
		Status:          types.DeadLetterFailed,
		CreatedAt:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}
