package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

// SQS limits.
const (
	sqsMaxBatch          = 10
	sqsMaxVisibilitySecs = 43200
	sqsMaxWaitSecs       = 20
)

// SQSClient is the subset of *sqs.Client the consumer uses.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfig configures an SQSQueue.
type SQSConfig struct {
	QueueURL          string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// sqsMessage is the message body producers publish.
type sqsMessage struct {
	ID                string                `json:"id,omitempty"`
	TenantID          string                `json:"tenant_id" validate:"required"`
	RouteID           string                `json:"route_id,omitempty"`
	Topic             string                `json:"topic,omitempty"`
	Payload           json.RawMessage       `json:"payload"`
	DestinationType   types.DestinationType `json:"destination_type" validate:"required"`
	DestinationConfig json.RawMessage       `json:"destination_config,omitempty"`
	Attempts          int                   `json:"attempts,omitempty" validate:"min=0"`
	CreatedAt         time.Time             `json:"created_at,omitempty"`
}

// SQSQueue consumes delivery jobs from SQS. A received message is claimed
// for the visibility timeout; Retry shortens or extends that window instead
// of re-publishing, so the broker's receive counter keeps counting.
type SQSQueue struct {
	client      SQSClient
	cfg         SQSConfig
	validate    *validator.Validate
	deadLetters delivery.DeadLetterWriter
	metrics     delivery.Metrics
	logger      types.Logger
	now         func() time.Time
}

// NewSQSQueue creates an SQSQueue.
func NewSQSQueue(client SQSClient, cfg SQSConfig, logger types.Logger) *SQSQueue {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SQSQueue{
		client:   client,
		cfg:      cfg,
		validate: validator.New(),
		metrics:  delivery.NopMetrics{},
		logger:   logger,
		now:      time.Now,
	}
}

// SetDeadLetters routes messages that cannot be decoded into the dead-letter
// store before they are deleted. Without a writer such messages are only
// logged.
func (q *SQSQueue) SetDeadLetters(w delivery.DeadLetterWriter, m delivery.Metrics) {
	q.deadLetters = w
	if m != nil {
		q.metrics = m
	}
}

func (q *SQSQueue) Name() string { return "sqs" }

// Fetch receives up to limit messages (at most 10). Messages whose body
// cannot be decoded would never succeed: they are dead-lettered with the raw
// body and deleted.
func (q *SQSQueue) Fetch(ctx context.Context, limit int) ([]*types.DeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > sqsMaxBatch {
		limit = sqsMaxBatch
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: int32(limit),
		WaitTimeSeconds:     int32(min(wholeSeconds(q.cfg.WaitTime), sqsMaxWaitSecs)),
		VisibilityTimeout:   int32(min(wholeSeconds(q.cfg.VisibilityTimeout), sqsMaxVisibilitySecs)),
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamQueue, "failed to receive messages", err)
	}

	jobs := make([]*types.DeliveryJob, 0, len(out.Messages))
	for _, msg := range out.Messages {
		body, decodeErr := q.decode(msg)
		if decodeErr != nil {
			q.quarantine(ctx, msg, body, decodeErr)
			continue
		}
		jobs = append(jobs, q.toJob(msg, body))
	}
	return jobs, nil
}

// decode parses and validates a message body. The partially decoded body is
// returned alongside a validation error so the dead-letter record keeps
// whatever fields were present.
func (q *SQSQueue) decode(msg sqsTypes.Message) (*sqsMessage, error) {
	var body sqsMessage
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &body); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "message body is not valid JSON", err)
	}
	if err := q.validate.Struct(body); err != nil {
		return &body, types.NewAppError(types.ErrCodeValidationMissingField, "message body is missing required fields", err)
	}
	return &body, nil
}

// quarantine dead-letters an undecodable message and deletes it. If the
// dead-letter write fails the message is left to reappear after its
// visibility timeout.
func (q *SQSQueue) quarantine(ctx context.Context, msg sqsTypes.Message, body *sqsMessage, cause error) {
	messageID := aws.ToString(msg.MessageId)
	q.logger.Error("undecodable message",
		"message_id", messageID,
		"error", cause.Error(),
	)

	if q.deadLetters != nil {
		job := quarantinedJob(msg, body)
		if err := q.deadLetters.Write(ctx, job, cause); err != nil {
			q.logger.Warn("keeping undecodable message for redelivery",
				"message_id", messageID,
				"error", err.Error(),
			)
			return
		}
		q.metrics.RecordDelivery(ctx, job.TenantID, job.DestinationType, delivery.MetricFailure)
	}

	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		q.logger.Warn("failed to delete undecodable message",
			"message_id", messageID,
			"error", err.Error(),
		)
	}
}

// quarantinedJob snapshots an undecodable message for the dead-letter store.
// The raw body becomes the payload, as a JSON string when it is not JSON.
func quarantinedJob(msg sqsTypes.Message, body *sqsMessage) *types.DeliveryJob {
	raw := aws.ToString(msg.Body)
	payload := json.RawMessage(raw)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(raw)
	}

	job := &types.DeliveryJob{
		ID:      aws.ToString(msg.MessageId),
		Payload: payload,
	}
	if body != nil {
		if body.ID != "" {
			job.ID = body.ID
		}
		job.TenantID = body.TenantID
		job.RouteID = body.RouteID
		job.Topic = body.Topic
		job.DestinationType = body.DestinationType
		job.DestinationConfig = body.DestinationConfig
		job.Attempts = body.Attempts
	}
	return job
}

func (q *SQSQueue) toJob(msg sqsTypes.Message, body *sqsMessage) *types.DeliveryJob {
	receives, _ := strconv.Atoi(msg.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if receives < 1 {
		receives = 1
	}

	id := body.ID
	if id == "" {
		id = aws.ToString(msg.MessageId)
	}
	now := q.now()
	createdAt := body.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	return &types.DeliveryJob{
		ID:                id,
		TenantID:          body.TenantID,
		RouteID:           body.RouteID,
		Topic:             body.Topic,
		Payload:           body.Payload,
		DestinationType:   body.DestinationType,
		DestinationConfig: body.DestinationConfig,
		Status:            types.JobStatusProcessing,
		// Earlier receives were attempts this body cannot record.
		Attempts:      max(body.Attempts, receives-1),
		CreatedAt:     createdAt,
		NextRunAt:     now,
		StartedAt:     &now,
		DeliveryCount: receives,
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
	}
}

// Ack deletes the message.
func (q *SQSQueue) Ack(ctx context.Context, job *types.DeliveryJob) error {
	return q.delete(ctx, job)
}

// Terminal deletes the message. The dead-letter record has been written by
// then.
func (q *SQSQueue) Terminal(ctx context.Context, job *types.DeliveryJob) error {
	return q.delete(ctx, job)
}

// Retry makes the message visible again after delay, rounded up to whole
// seconds and capped at the SQS maximum.
func (q *SQSQueue) Retry(ctx context.Context, job *types.DeliveryJob, delay time.Duration) error {
	secs := min(wholeSeconds(delay), sqsMaxVisibilitySecs)
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     aws.String(job.ReceiptHandle),
		VisibilityTimeout: int32(secs),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to change message visibility", err)
	}
	return nil
}

func (q *SQSQueue) delete(ctx context.Context, job *types.DeliveryJob) error {
	if job.ReceiptHandle == "" {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job has no receipt handle", nil)
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(job.ReceiptHandle),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to delete message", err)
	}
	return nil
}

// CountPending reports ApproximateNumberOfMessages.
func (q *SQSQueue) CountPending(ctx context.Context) (int64, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.cfg.QueueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeUpstreamQueue, "failed to read queue attributes", err)
	}
	raw, ok := out.Attributes[string(sqsTypes.QueueAttributeNameApproximateNumberOfMessages)]
	if !ok {
		return 0, types.NewAppError(types.ErrCodeUpstreamQueue, "queue attributes missing message count", nil)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeUpstreamQueue, "invalid message count", err)
	}
	return n, nil
}

// Enqueue publishes job as a new message. An empty ID is filled with a
// fresh UUID so the job can be traced across receives.
func (q *SQSQueue) Enqueue(ctx context.Context, job *types.DeliveryJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now().UTC()
	}
	body := sqsMessage{
		ID:                job.ID,
		TenantID:          job.TenantID,
		RouteID:           job.RouteID,
		Topic:             job.Topic,
		Payload:           job.Payload,
		DestinationType:   job.DestinationType,
		DestinationConfig: job.DestinationConfig,
		Attempts:          job.Attempts,
		CreatedAt:         job.CreatedAt,
	}
	if err := q.validate.Struct(body); err != nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid delivery job", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal delivery job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(raw)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"destination_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(job.DestinationType)),
			},
		},
	}
	if delay := time.Until(job.NextRunAt); !job.NextRunAt.IsZero() && delay > 0 {
		// SQS caps per-message delay at 15 minutes.
		input.DelaySeconds = int32(min(wholeSeconds(delay), 900))
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamQueue, "failed to send delivery job", err)
	}
	q.logger.Info("delivery job enqueued",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"destination_type", string(job.DestinationType),
	)
	return nil
}

// wholeSeconds rounds d up to whole seconds.
func wholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
