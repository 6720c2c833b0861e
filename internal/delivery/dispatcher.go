package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetrelay/internal/config"
	"fleetrelay/internal/security"
	"fleetrelay/internal/types"
)

// settleTimeout bounds the queue and dead-letter writes that follow an
// attempt. They run detached from shutdown cancellation. Claim windows are
// validated against it at config load.
const settleTimeout = config.SettleTimeout

// EgressChecker validates a destination host before any connection is made.
// *security.EgressValidator satisfies it.
type EgressChecker interface {
	ValidateHost(ctx context.Context, host string) error
}

// DispatcherDeps holds the collaborators of a Dispatcher. Registry and Queue
// are required; the rest fall back to no-op implementations.
type DispatcherDeps struct {
	Registry       *Registry
	Queue          Queue
	DeadLetters    DeadLetterWriter
	Egress         EgressChecker
	Breakers       *Breakers
	Metrics        Metrics
	Policy         RetryPolicy
	AdapterTimeout time.Duration
	Logger         types.Logger
}

// Dispatcher applies the delivery policy to one job at a time. It is safe for
// concurrent use by the pool's workers.
type Dispatcher struct {
	registry *Registry
	queue    Queue
	dlq      DeadLetterWriter
	egress   EgressChecker
	breakers *Breakers
	metrics  Metrics
	policy   RetryPolicy
	timeout  time.Duration
	logger   types.Logger
}

// NewDispatcher builds a Dispatcher from deps.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	d := &Dispatcher{
		registry: deps.Registry,
		queue:    deps.Queue,
		dlq:      deps.DeadLetters,
		egress:   deps.Egress,
		breakers: deps.Breakers,
		metrics:  deps.Metrics,
		policy:   deps.Policy,
		timeout:  deps.AdapterTimeout,
		logger:   deps.Logger,
	}
	if d.metrics == nil {
		d.metrics = NopMetrics{}
	}
	if d.logger == nil {
		d.logger = types.NopLogger{}
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	if d.registry == nil {
		d.registry, _ = NewRegistry()
	}
	return d
}

// Policy returns the retry policy in force.
func (d *Dispatcher) Policy() RetryPolicy { return d.policy }

// Process runs one claimed job to its next state: acked, rescheduled, or
// dead-lettered and terminated. It never returns an error; every failure is
// logged and settled here so sibling jobs are unaffected.
func (d *Dispatcher) Process(ctx context.Context, job *types.DeliveryJob) {
	logger := d.logger.With(
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"destination_type", string(job.DestinationType),
	)

	res := d.Attempt(ctx, job)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if res.Attempted {
		job.Attempts++
	}

	if res.OK() {
		job.Status = types.JobStatusCompleted
		job.LastError = ""
		if err := d.queue.Ack(settleCtx, job); err != nil {
			logger.Error("failed to ack delivered job", "error", err.Error())
			return
		}
		logger.Info("job delivered", "attempts", job.Attempts)
		return
	}

	job.LastError = types.TruncateError(res.Err.Error())

	switch {
	case res.Outcome != OutcomeTransient:
		d.terminate(settleCtx, job, res.Err, logger)
	case d.policy.Exhausted(job):
		cause := types.NewAppError(
			types.ErrCodeMaxAttemptsExceeded,
			fmt.Sprintf("giving up after %d attempts (%d deliveries): %s", job.Attempts, job.DeliveryCount, res.Err.Error()),
			res.Err,
		)
		d.terminate(settleCtx, job, cause, logger)
	default:
		delay := d.policy.Backoff(job.Attempts)
		if res.RetryAfter > delay {
			delay = res.RetryAfter
		}
		job.Status = types.JobStatusPending
		if err := d.queue.Retry(settleCtx, job, delay); err != nil {
			logger.Error("failed to reschedule job", "error", err.Error())
			return
		}
		logger.Warn("delivery failed; retry scheduled",
			"attempts", job.Attempts,
			"delay", delay.String(),
			"error_code", string(res.Code()),
			"error", job.LastError,
		)
	}
}

func (d *Dispatcher) terminate(ctx context.Context, job *types.DeliveryJob, cause error, logger types.Logger) {
	job.Status = types.JobStatusFailed
	if d.dlq != nil {
		if err := d.dlq.Write(ctx, job, cause); err != nil {
			logger.Error("failed to write dead letter; terminating job anyway",
				"error", err.Error(),
				"cause", cause.Error(),
			)
		}
	}
	if err := d.queue.Terminal(ctx, job); err != nil {
		logger.Error("failed to terminate job", "error", err.Error())
		return
	}
	logger.Error("job dead-lettered",
		"attempts", job.Attempts,
		"error_code", string(types.CodeOf(cause)),
		"error", job.LastError,
	)
}

// Attempt performs a single delivery of job with egress validation and the
// circuit breaker, but without touching the queue or job counters. Replay
// uses it directly.
func (d *Dispatcher) Attempt(ctx context.Context, job *types.DeliveryJob) Result {
	res := d.attempt(ctx, job)
	d.metrics.RecordDelivery(ctx, job.TenantID, job.DestinationType, metricResult(res))
	return res
}

func metricResult(res Result) MetricResult {
	switch {
	case res.OK():
		return MetricSuccess
	case res.Code() == types.ErrCodeDeliveryCircuitOpen:
		return MetricCircuitOpen
	default:
		return MetricFailure
	}
}

func (d *Dispatcher) attempt(ctx context.Context, job *types.DeliveryJob) Result {
	adapter, ok := d.registry.Lookup(job.DestinationType)
	if !ok {
		return InvalidConfig(types.ErrCodeDestinationUnknownType,
			fmt.Errorf("no adapter registered for destination type %q", job.DestinationType))
	}

	var host string
	if nb, ok := adapter.(NetworkBound); ok {
		h, err := nb.Target(job)
		if err != nil {
			return InvalidConfig(types.ErrCodeDestinationInvalidConfig, err)
		}
		if d.egress != nil {
			if err := d.egress.ValidateHost(ctx, h); err != nil {
				if security.IsBlocked(err) {
					return Blocked(err)
				}
				return Transient(types.ErrCodeEgressResolveFailed, err)
			}
		}
		host = h
	}

	start := time.Now()
	res := d.breakers.Execute(breakerKey(job.DestinationType, host), func() Result {
		return d.send(ctx, adapter, job)
	})
	if res.Attempted {
		d.metrics.RecordLatency(ctx, job.DestinationType, time.Since(start))
	}
	return res
}

// send calls the adapter under the per-attempt timeout. A panicking adapter
// is reported as a transient failure.
func (d *Dispatcher) send(ctx context.Context, adapter Adapter, job *types.DeliveryJob) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = Transient(types.ErrCodeDeliveryPanic, fmt.Errorf("adapter %s panicked: %v", adapter.Type(), r))
		}
	}()

	res = adapter.Send(ctx, job)
	if !res.OK() && res.Err == nil {
		res.Err = asAppError(types.ErrCodeInternalUnexpected, errors.New("adapter reported failure without an error"))
	}
	return res
}
