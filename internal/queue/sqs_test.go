package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrelay/internal/delivery"
	"fleetrelay/internal/types"
)

var (
	_ delivery.Queue         = (*SQSQueue)(nil)
	_ delivery.DepthReporter = (*SQSQueue)(nil)
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/deliveries"

// fakeSQS records calls and serves canned messages.
type fakeSQS struct {
	mu sync.Mutex

	messages   []sqsTypes.Message
	receiveErr error
	deleteErr  error
	attrs      map[string]string

	receives   []*sqs.ReceiveMessageInput
	deleted    []string
	visibility []*sqs.ChangeMessageVisibilityInput
	sent       []*sqs.SendMessageInput
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives = append(f.receives, in)
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = append(f.visibility, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: f.attrs}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-new")}, nil
}

func newTestSQSQueue(client SQSClient) *SQSQueue {
	return NewSQSQueue(client, SQSConfig{
		QueueURL:          testQueueURL,
		WaitTime:          2 * time.Second,
		VisibilityTimeout: 90 * time.Second,
	}, nil)
}

func message(id, body string, receives string) sqsTypes.Message {
	return sqsTypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
		Attributes: map[string]string{
			string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount): receives,
		},
	}
}

func TestSQSQueue_FetchDecodesJobs(t *testing.T) {
	fake := &fakeSQS{messages: []sqsTypes.Message{
		message("m1", `{"id":"job-1","tenant_id":"t1","destination_type":"webhook","payload":{"a":1},"destination_config":{"url":"https://example.com"}}`, "1"),
		message("m2", `{"tenant_id":"t2","destination_type":"snmp","payload":{},"attempts":1}`, "4"),
	}}
	q := newTestSQSQueue(fake)

	jobs, err := q.Fetch(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.Len(t, fake.receives, 1)
	in := fake.receives[0]
	assert.Equal(t, int32(10), in.MaxNumberOfMessages)
	assert.Equal(t, int32(2), in.WaitTimeSeconds)
	assert.Equal(t, int32(90), in.VisibilityTimeout)
	assert.Contains(t, in.MessageSystemAttributeNames, sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)

	first := jobs[0]
	assert.Equal(t, "job-1", first.ID)
	assert.Equal(t, types.DestinationWebhook, first.DestinationType)
	assert.Equal(t, 1, first.DeliveryCount)
	assert.Equal(t, 0, first.Attempts)
	assert.Equal(t, "rh-m1", first.ReceiptHandle)
	assert.Equal(t, types.JobStatusProcessing, first.Status)
	assert.JSONEq(t, `{"a":1}`, string(first.Payload))

	second := jobs[1]
	assert.Equal(t, "m2", second.ID, "message id is used when the body has none")
	assert.Equal(t, 4, second.DeliveryCount)
	assert.Equal(t, 3, second.Attempts, "earlier receives count as attempts")
}

// recordingDeadLetters captures dead-letter writes.
type recordingDeadLetters struct {
	mu      sync.Mutex
	err     error
	written []*types.DeliveryJob
	causes  []error
}

func (r *recordingDeadLetters) Write(_ context.Context, job *types.DeliveryJob, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.written = append(r.written, job)
	r.causes = append(r.causes, cause)
	return nil
}

// countingMetrics counts failure deliveries per tenant.
type countingMetrics struct {
	delivery.NopMetrics
	mu       sync.Mutex
	failures map[string]int
}

func (m *countingMetrics) RecordDelivery(_ context.Context, tenantID string, _ types.DestinationType, result delivery.MetricResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if result == delivery.MetricFailure {
		m.failures[tenantID]++
	}
}

func TestSQSQueue_FetchDeadLettersUndecodable(t *testing.T) {
	fake := &fakeSQS{messages: []sqsTypes.Message{
		message("bad-json", `{not json`, "1"),
		message("no-tenant", `{"id":"job-7","destination_type":"webhook","payload":{"a":1}}`, "1"),
		message("ok", `{"tenant_id":"t1","destination_type":"email","payload":{}}`, "1"),
	}}
	dlq := &recordingDeadLetters{}
	metrics := &countingMetrics{failures: make(map[string]int)}
	q := newTestSQSQueue(fake)
	q.SetDeadLetters(dlq, metrics)

	jobs, err := q.Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "ok", jobs[0].ID)
	assert.ElementsMatch(t, []string{"rh-bad-json", "rh-no-tenant"}, fake.deleted)

	require.Len(t, dlq.written, 2)
	badJSON := dlq.written[0]
	assert.Equal(t, "bad-json", badJSON.ID)
	assert.JSONEq(t, `"{not json"`, string(badJSON.Payload), "raw body is kept as a JSON string")
	assert.Equal(t, types.ErrCodeValidationInvalidJSON, types.CodeOf(dlq.causes[0]))

	noTenant := dlq.written[1]
	assert.Equal(t, "job-7", noTenant.ID)
	assert.Equal(t, types.DestinationWebhook, noTenant.DestinationType)
	assert.JSONEq(t, `{"id":"job-7","destination_type":"webhook","payload":{"a":1}}`, string(noTenant.Payload))
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(dlq.causes[1]))

	assert.Equal(t, 2, metrics.failures[""])
}

func TestSQSQueue_FetchKeepsUndecodableWhenDeadLetterWriteFails(t *testing.T) {
	fake := &fakeSQS{messages: []sqsTypes.Message{
		message("bad-json", `{not json`, "1"),
	}}
	q := newTestSQSQueue(fake)
	q.SetDeadLetters(&recordingDeadLetters{err: errors.New("db down")}, nil)

	jobs, err := q.Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, fake.deleted, "message must reappear after its visibility timeout")
}

func TestSQSQueue_FetchDeletesUndecodableWithoutDeadLetters(t *testing.T) {
	fake := &fakeSQS{messages: []sqsTypes.Message{
		message("bad-json", `{not json`, "1"),
	}}
	q := newTestSQSQueue(fake)

	jobs, err := q.Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, []string{"rh-bad-json"}, fake.deleted)
}

func TestSQSQueue_FetchError(t *testing.T) {
	fake := &fakeSQS{receiveErr: errors.New("throttled")}
	q := newTestSQSQueue(fake)

	_, err := q.Fetch(context.Background(), 10)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamQueue, types.CodeOf(err))
}

func TestSQSQueue_AckAndTerminalDelete(t *testing.T) {
	fake := &fakeSQS{}
	q := newTestSQSQueue(fake)
	ctx := context.Background()

	require.NoError(t, q.Ack(ctx, &types.DeliveryJob{ID: "a", ReceiptHandle: "rh-a"}))
	require.NoError(t, q.Terminal(ctx, &types.DeliveryJob{ID: "b", ReceiptHandle: "rh-b"}))
	assert.Equal(t, []string{"rh-a", "rh-b"}, fake.deleted)

	err := q.Ack(ctx, &types.DeliveryJob{ID: "c"})
	assert.Equal(t, types.ErrCodeNotFoundJob, types.CodeOf(err))
}

func TestSQSQueue_AckDeleteFailure(t *testing.T) {
	fake := &fakeSQS{deleteErr: errors.New("receipt handle expired")}
	q := newTestSQSQueue(fake)

	err := q.Ack(context.Background(), &types.DeliveryJob{ID: "a", ReceiptHandle: "rh-a"})
	assert.Equal(t, types.ErrCodeUpstreamQueue, types.CodeOf(err))
}

func TestSQSQueue_RetryVisibility(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		want  int32
	}{
		{"whole seconds", 30 * time.Second, 30},
		{"rounds up", 1500 * time.Millisecond, 2},
		{"zero", 0, 0},
		{"capped", 24 * time.Hour, 43200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSQS{}
			q := newTestSQSQueue(fake)

			require.NoError(t, q.Retry(context.Background(), &types.DeliveryJob{ReceiptHandle: "rh"}, tt.delay))
			require.Len(t, fake.visibility, 1)
			assert.Equal(t, tt.want, fake.visibility[0].VisibilityTimeout)
			assert.Equal(t, "rh", aws.ToString(fake.visibility[0].ReceiptHandle))
		})
	}
}

func TestSQSQueue_CountPending(t *testing.T) {
	fake := &fakeSQS{attrs: map[string]string{"ApproximateNumberOfMessages": "128"}}
	q := newTestSQSQueue(fake)

	n, err := q.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(128), n)

	fake.attrs = map[string]string{}
	_, err = q.CountPending(context.Background())
	assert.Error(t, err)
}

func TestSQSQueue_Enqueue(t *testing.T) {
	fake := &fakeSQS{}
	q := newTestSQSQueue(fake)

	job := &types.DeliveryJob{
		TenantID:        "t1",
		Payload:         json.RawMessage(`{"alert":"overheat"}`),
		DestinationType: types.DestinationWebhook,
		NextRunAt:       time.Now().Add(90 * time.Second),
	}
	require.NoError(t, q.Enqueue(context.Background(), job))
	require.NotEmpty(t, job.ID)
	require.Len(t, fake.sent, 1)

	in := fake.sent[0]
	assert.Equal(t, testQueueURL, aws.ToString(in.QueueUrl))
	assert.InDelta(t, 90, in.DelaySeconds, 1)
	assert.Equal(t, "webhook", aws.ToString(in.MessageAttributes["destination_type"].StringValue))

	var body sqsMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &body))
	assert.Equal(t, job.ID, body.ID)
	assert.Equal(t, "t1", body.TenantID)
}

func TestSQSQueue_EnqueueRejectsIncompleteJob(t *testing.T) {
	fake := &fakeSQS{}
	q := newTestSQSQueue(fake)

	err := q.Enqueue(context.Background(), &types.DeliveryJob{DestinationType: types.DestinationWebhook})
	require.Error(t, err)
	assert.Empty(t, fake.sent)
}
