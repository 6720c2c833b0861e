// Package observability provides the delivery metrics backends.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

// Attribute keys
const (
	attrTenant          = "tenant"
	attrDestinationType = "destination_type"
	attrResult          = "result"
	attrQueue           = "queue"
)

func tenantAttr(tenantID string) attribute.KeyValue {
	if tenantID == "" {
		tenantID = "unknown"
	}
	return attribute.String(attrTenant, tenantID)
}

func destinationAttr(dest types.DestinationType) attribute.KeyValue {
	return attribute.String(attrDestinationType, string(dest))
}

func resultAttr(result delivery.MetricResult) attribute.KeyValue {
	return attribute.String(attrResult, string(result))
}

func queueAttr(queue string) attribute.KeyValue {
	return attribute.String(attrQueue, queue)
}

// WithDestination returns a metric option with the destination_type attribute.
func WithDestination(dest types.DestinationType) metric.MeasurementOption {
	return metric.WithAttributes(destinationAttr(dest))
}
