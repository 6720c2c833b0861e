package delivery

import (
	"errors"
	"fmt"
	"time"

	"fleetrelay/internal/types"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// OutcomeDelivered means the destination accepted the event.
	OutcomeDelivered Outcome = iota
	// OutcomeTransient failures are retried with backoff until exhausted.
	OutcomeTransient
	// OutcomePermanent failures are dead-lettered without retry.
	OutcomePermanent
	// OutcomeBlocked is an egress rejection; dead-lettered without retry.
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what an adapter reports for one attempt. Err is nil only for
// OutcomeDelivered.
type Result struct {
	Outcome Outcome
	Err     error
	// RetryAfter is a destination-supplied hint (HTTP Retry-After). The
	// dispatcher never waits less than the policy backoff.
	RetryAfter time.Duration
	// Attempted is false when the failure happened before any network I/O
	// (unknown type, egress rejection, open circuit).
	Attempted bool
}

// OK reports whether the attempt succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeDelivered }

// Code is the error code recorded for this result.
func (r Result) Code() types.ErrorCode {
	if r.Err == nil {
		return ""
	}
	return types.CodeOf(r.Err)
}

// Delivered is the success result.
func Delivered() Result {
	return Result{Outcome: OutcomeDelivered, Attempted: true}
}

// Transient wraps err as a retryable failure of an attempted delivery.
func Transient(code types.ErrorCode, err error) Result {
	return Result{Outcome: OutcomeTransient, Err: asAppError(code, err), Attempted: true}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(code types.ErrorCode, err error) Result {
	return Result{Outcome: OutcomePermanent, Err: asAppError(code, err), Attempted: true}
}

// InvalidConfig is a permanent failure found before any I/O: the
// destination config or template cannot produce a delivery.
func InvalidConfig(code types.ErrorCode, err error) Result {
	return Result{Outcome: OutcomePermanent, Err: asAppError(code, err)}
}

// Blocked wraps an egress rejection.
func Blocked(err error) Result {
	return Result{Outcome: OutcomeBlocked, Err: asAppError(types.ErrCodeEgressBlocked, err)}
}

func asAppError(code types.ErrorCode, err error) error {
	if err == nil {
		return types.NewAppError(code, string(code), nil)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == code {
		return err
	}
	return types.NewAppError(code, err.Error(), err)
}
