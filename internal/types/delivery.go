package types

import (
	"encoding/json"
	"time"
)

// DestinationType tags which adapter delivers a job.
type DestinationType string

const (
	DestinationWebhook         DestinationType = "webhook"
	DestinationBrokerRepublish DestinationType = "broker_republish"
	DestinationEmail           DestinationType = "email"
	DestinationSNMP            DestinationType = "snmp"
)

// JobStatus is the lifecycle state of a DeliveryJob row.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// DeadLetterStatus is the lifecycle state of a DeadLetterRecord.
type DeadLetterStatus string

const (
	DeadLetterFailed    DeadLetterStatus = "FAILED"
	DeadLetterReplayed  DeadLetterStatus = "REPLAYED"
	DeadLetterDiscarded DeadLetterStatus = "DISCARDED"
)

// MaxErrorMessageLength bounds the error text persisted on jobs and
// dead-letter records.
const MaxErrorMessageLength = 2048

// DeliveryJob is the unit of work handed to the dispatcher.
//
// Attempts counts delivery attempts that reached the adapter, successful or
// not; rejections before any I/O do not count. DeliveryCount is
// the broker's receive counter for the current message and stays zero for
// the relational backend.
type DeliveryJob struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	RouteID           string          `json:"route_id,omitempty"`
	Topic             string          `json:"topic,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	DestinationType   DestinationType `json:"destination_type"`
	DestinationConfig json.RawMessage `json:"destination_config"`

	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	NextRunAt   time.Time  `json:"next_run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	DeliveryCount int    `json:"-"`
	ReceiptHandle string `json:"-"`
}

// DeadLetterRecord is the snapshot kept for a job that will not be retried.
type DeadLetterRecord struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenant_id"`
	RouteID           string           `json:"route_id,omitempty"`
	JobID             string           `json:"job_id,omitempty"`
	OriginalTopic     string           `json:"original_topic,omitempty"`
	Payload           json.RawMessage  `json:"payload"`
	DestinationType   DestinationType  `json:"destination_type"`
	DestinationConfig json.RawMessage  `json:"destination_config"`
	ErrorCode         ErrorCode        `json:"error_code"`
	ErrorMessage      string           `json:"error_message"`
	Attempts          int              `json:"attempts"`
	Status            DeadLetterStatus `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	ReplayedAt        *time.Time       `json:"replayed_at,omitempty"`
}

// ToJob rebuilds a job from the snapshot so it can be attempted again.
func (r *DeadLetterRecord) ToJob() *DeliveryJob {
	return &DeliveryJob{
		ID:                r.JobID,
		TenantID:          r.TenantID,
		RouteID:           r.RouteID,
		Topic:             r.OriginalTopic,
		Payload:           r.Payload,
		DestinationType:   r.DestinationType,
		DestinationConfig: r.DestinationConfig,
		Status:            JobStatusProcessing,
		Attempts:          r.Attempts,
	}
}

// DeadLetterFilter narrows a dead-letter listing. Zero values match all.
type DeadLetterFilter struct {
	Status          DeadLetterStatus `json:"status,omitempty"`
	TenantID        string           `json:"tenant_id,omitempty"`
	RouteID         string           `json:"route_id,omitempty"`
	DestinationType DestinationType  `json:"destination_type,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Cursor          string           `json:"cursor,omitempty"`
}

// TruncateError bounds s to MaxErrorMessageLength bytes without splitting a
// UTF-8 sequence.
func TruncateError(s string) string {
	if len(s) <= MaxErrorMessageLength {
		return s
	}
	cut := MaxErrorMessageLength
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
