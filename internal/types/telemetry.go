package types

const (
	// Metric Names
	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryLatency"
	MetricDeadLetterWrite = "DeadLetterWrite"
	MetricQueuePending    = "QueuePending"

	// Dimension Keys
	DimDestinationType = "DestinationType"
	DimTenant          = "TenantID"
	DimResult          = "Result"
	DimQueue           = "Queue"

	// Metric Namespace
	MetricNamespace = "FleetRelay"
)
