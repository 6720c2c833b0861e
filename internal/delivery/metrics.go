package delivery

import (
	"context"
	"time"

	"fleetrelay/internal/types"
)

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess MetricResult = "success"
	MetricFailure MetricResult = "failure"
	// MetricCircuitOpen is a result the breaker produced without contacting
	// the destination.
	MetricCircuitOpen MetricResult = "circuit_open"
)

// Metrics abstracts the telemetry backend (Prometheus or CloudWatch).
// Calls run on the delivery path. An implementation that exports
// synchronously must bound each export and swallow its errors.
type Metrics interface {
	RecordDelivery(ctx context.Context, tenantID string, dest types.DestinationType, result MetricResult)
	RecordLatency(ctx context.Context, dest types.DestinationType, d time.Duration)
	RecordDeadLetter(ctx context.Context, tenantID string)
	RecordQueueDepth(ctx context.Context, queue string, depth int64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, string, types.DestinationType, MetricResult) {}
func (NopMetrics) RecordLatency(context.Context, types.DestinationType, time.Duration)         {}
func (NopMetrics) RecordDeadLetter(context.Context, string)                                    {}
func (NopMetrics) RecordQueueDepth(context.Context, string, int64)                             {}
