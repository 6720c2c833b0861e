package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrelay/internal/config"
	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewMetrics_ExposesDeliveryMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, handler, err := NewMetrics()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	m.RecordDelivery(ctx, "acme", types.DestinationWebhook, delivery.MetricSuccess)
	m.RecordDelivery(ctx, "acme", types.DestinationWebhook, delivery.MetricSuccess)
	m.RecordDelivery(ctx, "", types.DestinationEmail, delivery.MetricFailure)
	m.RecordLatency(ctx, types.DestinationWebhook, 120*time.Millisecond)
	m.RecordDeadLetter(ctx, "acme")
	m.RecordQueueDepth(ctx, "delivery_jobs", 17)

	out := scrape(t, handler)

	assert.Contains(t, out, "fleetrelay_deliveries_total")
	assert.Contains(t, out, `tenant="acme"`)
	assert.Contains(t, out, `tenant="unknown"`)
	assert.Contains(t, out, `result="failure"`)
	assert.Contains(t, out, `destination_type="email"`)
	assert.Contains(t, out, "fleetrelay_delivery_duration_seconds_bucket")
	assert.Contains(t, out, "fleetrelay_dead_letters_total")
	assert.Contains(t, out, "fleetrelay_queue_pending")
	assert.Contains(t, out, `queue="delivery_jobs"`)
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	t.Parallel()
	a, ha, err := NewMetrics()
	require.NoError(t, err)
	_, hb, err := NewMetrics()
	require.NoError(t, err)

	a.RecordDeadLetter(context.Background(), "only-in-a")

	assert.Contains(t, scrape(t, ha), "only-in-a")
	assert.NotContains(t, scrape(t, hb), "only-in-a")
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	b, err := NewBackend(config.ObservabilityConfig{MetricsBackend: "prometheus"}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, b.Handler)
	assert.IsType(t, &Metrics{}, b.Metrics)
	assert.NoError(t, b.Shutdown(context.Background()))

	_, err = NewBackend(config.ObservabilityConfig{MetricsBackend: "cloudwatch"}, nil, nil)
	assert.Error(t, err)

	b, err = NewBackend(config.ObservabilityConfig{MetricsBackend: "cloudwatch", MetricNamespace: "Test"}, &mockCloudWatchClient{}, nil)
	require.NoError(t, err)
	assert.Nil(t, b.Handler)
	assert.IsType(t, &CloudWatchMetrics{}, b.Metrics)
	assert.NoError(t, b.Shutdown(context.Background()))

	_, err = NewBackend(config.ObservabilityConfig{MetricsBackend: "statsd"}, nil, nil)
	assert.Error(t, err)
}
