// Package config defines the process configuration for the delivery worker
// and the operator CLI. Configuration is loaded once at startup and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format aborts startup.
package config

import (
	"time"

	"fleetrelay/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for it.
type SecretString = types.SecretString

// Queue backends.
const (
	QueueBackendPostgres = "postgres"
	QueueBackendSQS      = "sqs"
)

// Retry counter authorities. Exactly one counter decides exhaustion.
const (
	CounterAuthorityLocal  = "local"
	CounterAuthorityBroker = "broker"
)

// Metrics backends.
const (
	MetricsBackendPrometheus = "prometheus"
	MetricsBackendCloudWatch = "cloudwatch"
)

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"fleetrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	Retry         RetryConfig
	Breaker       BreakerConfig
	Webhook       WebhookConfig
	Email         EmailConfig
	Redis         RedisConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	DeadLetter    DeadLetterConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds the health/metrics/admin HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// The database backs the dead-letter store even when jobs arrive over SQS.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// QueueConfig selects and tunes the job source.
type QueueConfig struct {
	Backend string `envconfig:"QUEUE_BACKEND" default:"postgres" validate:"oneof=postgres sqs"`

	SQSQueueURL          string        `envconfig:"SQS_QUEUE_URL" validate:"omitempty,url"`
	SQSWaitTime          time.Duration `envconfig:"SQS_WAIT_TIME" default:"1s" validate:"max=20s"`
	SQSVisibilityTimeout time.Duration `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60s" validate:"min=1s"`
	SQSMaxDeliveries     int           `envconfig:"SQS_MAX_DELIVERIES" default:"3" validate:"min=1"`
}

// WorkerConfig sizes the dispatch pool and its background loops.
type WorkerConfig struct {
	Count            int           `envconfig:"WORKER_COUNT" default:"4" validate:"min=1,max=256"`
	BatchSize        int           `envconfig:"WORKER_BATCH_SIZE" default:"10" validate:"min=1,max=500"`
	BatchConcurrency int           `envconfig:"WORKER_BATCH_CONCURRENCY" default:"10" validate:"min=1"`
	PollInterval     time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"1s"`
	ErrorBackoff     time.Duration `envconfig:"WORKER_ERROR_BACKOFF" default:"5s"`
	AdapterTimeout   time.Duration `envconfig:"WORKER_ADAPTER_TIMEOUT" default:"10s" validate:"min=1s"`
	StuckAfter       time.Duration `envconfig:"WORKER_STUCK_AFTER" default:"5m"`
	RequeueInterval  time.Duration `envconfig:"WORKER_REQUEUE_INTERVAL" default:"1m"`
	DepthInterval    time.Duration `envconfig:"WORKER_DEPTH_INTERVAL" default:"15s"`
}

// SettleTimeout bounds the queue and dead-letter writes the dispatcher makes
// after an attempt.
const SettleTimeout = 10 * time.Second

// AttemptBudget is the longest one job can hold a worker: the adapter call
// plus its settle writes.
func (w WorkerConfig) AttemptBudget() time.Duration {
	return w.AdapterTimeout + SettleTimeout
}

// BatchBudget is the longest a claimed batch can stay in flight. Jobs beyond
// BatchConcurrency wait for a free slot while their claim is already held.
func (w WorkerConfig) BatchBudget() time.Duration {
	conc := w.BatchConcurrency
	if conc < 1 {
		conc = 1
	}
	waves := (w.BatchSize + conc - 1) / conc
	if waves < 1 {
		waves = 1
	}
	return time.Duration(waves) * w.AttemptBudget()
}

// RetryConfig parameterizes the backoff policy.
type RetryConfig struct {
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	BaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"30s" validate:"min=0"`
	// MaxDelay of zero leaves the backoff uncapped.
	MaxDelay time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1h" validate:"min=0"`
	// CounterAuthority picks the counter that decides exhaustion. Empty means
	// "local" for postgres and "broker" for sqs.
	CounterAuthority string `envconfig:"RETRY_COUNTER_AUTHORITY" validate:"omitempty,oneof=local broker"`
}

// BreakerConfig tunes the per-destination circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5" validate:"min=1"`
	OpenTimeout      time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`
}

// WebhookConfig holds settings for outbound webhook delivery.
type WebhookConfig struct {
	UserAgent       string        `envconfig:"WEBHOOK_USER_AGENT" default:"FleetRelay-Webhook/1.0"`
	DefaultTimeout  time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"8s"`
	MaxRedirects    int           `envconfig:"WEBHOOK_MAX_REDIRECTS" default:"0" validate:"min=0,max=10"`
	SignatureHeader string        `envconfig:"WEBHOOK_SIGNATURE_HEADER" default:"X-Fleet-Signature"`
}

// EmailConfig holds defaults for the SMTP adapter.
type EmailConfig struct {
	DefaultFrom string        `envconfig:"EMAIL_DEFAULT_FROM" default:"alerts@fleetrelay.local" validate:"email"`
	DialTimeout time.Duration `envconfig:"SMTP_DIAL_TIMEOUT" default:"8s"`
}

// RedisConfig configures the broker used for republish destinations. An
// empty URL disables the broker_republish destination type.
type RedisConfig struct {
	URL      SecretString `envconfig:"REDIS_URL"`
	Required bool         `envconfig:"REDIS_REQUIRED" default:"false"`
}

// SecurityConfig holds admin access settings.
type SecurityConfig struct {
	AdminAPIKey SecretString `envconfig:"ADMIN_API_KEY"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"FleetRelay"`
}

// DeadLetterConfig holds retention settings.
type DeadLetterConfig struct {
	Retention time.Duration `envconfig:"DLQ_RETENTION" default:"720h"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// EffectiveCounterAuthority resolves an empty CounterAuthority from the queue
// backend.
func (c *Config) EffectiveCounterAuthority() string {
	if c.Retry.CounterAuthority != "" {
		return c.Retry.CounterAuthority
	}
	if c.Queue.Backend == QueueBackendSQS {
		return CounterAuthorityBroker
	}
	return CounterAuthorityLocal
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
