package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

// putTimeout bounds one PutMetricData call so a slow CloudWatch endpoint
// cannot stall a worker.
const putTimeout = 2 * time.Second

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements delivery.Metrics by emitting to AWS
// CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {TenantID, DestinationType, Result}
//   - DeliveryLatency: Dims {DestinationType}, milliseconds
//   - DeadLetterWrite: Dims {TenantID}
//   - QueuePending: Dims {Queue}
var _ delivery.Metrics = (*CloudWatchMetrics)(nil)

type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
// An empty namespace uses types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, tenantID string, dest types.DestinationType, result delivery.MetricResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dimension(types.DimTenant, tenantID),
			dimension(types.DimDestinationType, string(dest)),
			dimension(types.DimResult, string(result)),
		},
	})
}

// RecordLatency is recorded in milliseconds for CloudWatch precision.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, dest types.DestinationType, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			dimension(types.DimDestinationType, string(dest)),
		},
	})
}

func (m *CloudWatchMetrics) RecordDeadLetter(ctx context.Context, tenantID string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeadLetterWrite),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dimension(types.DimTenant, tenantID),
		},
	})
}

func (m *CloudWatchMetrics) RecordQueueDepth(ctx context.Context, queue string, depth int64) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueuePending),
		Value:      aws.Float64(float64(depth)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dimension(types.DimQueue, queue),
		},
	})
}

// put sends one datum synchronously, blocking the caller for at most
// putTimeout. Failures are logged, never returned; the call is detached from
// the caller's cancellation.
func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to put metric",
			"error", err.Error(),
			"metric", aws.ToString(datum.MetricName),
		)
	}
}

func dimension(name, value string) cwtypes.Dimension {
	if value == "" {
		value = "unknown"
	}
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
