package observability

import (
	"context"
	"fmt"
	"net/http"

	"fleetrelay/internal/config"
	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

// Backend is the metrics sink selected by configuration. Handler is nil when
// the backend has nothing to serve over HTTP.
type Backend struct {
	Metrics  delivery.Metrics
	Handler  http.Handler
	shutdown func(context.Context) error
}

// Shutdown releases the backend's resources.
func (b *Backend) Shutdown(ctx context.Context) error {
	if b.shutdown == nil {
		return nil
	}
	return b.shutdown(ctx)
}

// NewBackend builds the backend named by cfg.MetricsBackend. cw is only used
// for the cloudwatch backend.
func NewBackend(cfg config.ObservabilityConfig, cw CloudWatchClient, logger types.Logger) (*Backend, error) {
	switch cfg.MetricsBackend {
	case "", "prometheus":
		m, handler, err := NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("observability: prometheus exporter: %w", err)
		}
		return &Backend{Metrics: m, Handler: handler, shutdown: m.Shutdown}, nil
	case "cloudwatch":
		if cw == nil {
			return nil, fmt.Errorf("observability: cloudwatch backend requires a client")
		}
		return &Backend{Metrics: NewCloudWatchMetrics(cw, cfg.MetricNamespace, logger)}, nil
	default:
		return nil, fmt.Errorf("observability: unknown metrics backend %q", cfg.MetricsBackend)
	}
}
