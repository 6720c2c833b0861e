package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

var _ delivery.Metrics = (*Metrics)(nil)

// Metrics records delivery metrics through OpenTelemetry and exposes them in
// Prometheus text format.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	Deliveries       metric.Int64Counter
	DeliveryDuration metric.Float64Histogram
	DeadLetters      metric.Int64Counter
	QueuePending     metric.Int64Gauge
}

// NewMetrics creates the instruments on a private registry and returns the
// handler that serves it.
func NewMetrics() (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("fleetrelay")
	m := &Metrics{provider: provider}

	m.Deliveries, err = meter.Int64Counter(
		"fleetrelay_deliveries",
		metric.WithDescription("Delivery attempts by tenant, destination type and result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram(
		"fleetrelay_delivery_duration",
		metric.WithDescription("Time spent in the destination adapter"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DeadLetters, err = meter.Int64Counter(
		"fleetrelay_dead_letters",
		metric.WithDescription("Jobs moved to the dead-letter store"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueuePending, err = meter.Int64Gauge(
		"fleetrelay_queue_pending",
		metric.WithDescription("Jobs waiting in the queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) RecordDelivery(ctx context.Context, tenantID string, dest types.DestinationType, result delivery.MetricResult) {
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(tenantAttr(tenantID), destinationAttr(dest), resultAttr(result)))
}

func (m *Metrics) RecordLatency(ctx context.Context, dest types.DestinationType, d time.Duration) {
	m.DeliveryDuration.Record(ctx, d.Seconds(), WithDestination(dest))
}

func (m *Metrics) RecordDeadLetter(ctx context.Context, tenantID string) {
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(tenantAttr(tenantID)))
}

func (m *Metrics) RecordQueueDepth(ctx context.Context, queue string, depth int64) {
	m.QueuePending.Record(ctx, depth, metric.WithAttributes(queueAttr(queue)))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
