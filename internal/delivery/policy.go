package delivery

import (
	"math"
	"time"

	"fleetrelay/internal/types"
)

// CounterAuthority names the one counter that decides exhaustion.
type CounterAuthority string

const (
	// CounterLocal uses job.Attempts, the failures recorded by this service.
	CounterLocal CounterAuthority = "local"
	// CounterBroker uses job.DeliveryCount, the broker's receive counter,
	// which survives worker restarts.
	CounterBroker CounterAuthority = "broker"
)

// RetryPolicy defines the exponential backoff parameters for delivery
// retries.
type RetryPolicy struct {
	MaxAttempts   int
	MaxDeliveries int
	BaseDelay     time.Duration
	// MaxDelay caps the backoff. Zero leaves it uncapped.
	MaxDelay  time.Duration
	Authority CounterAuthority
}

// Backoff returns min(BaseDelay * 2^(attempt-1), MaxDelay). Attempts below
// one are treated as one; overflow saturates.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether job has used up its attempts according to the
// configured authority.
func (p RetryPolicy) Exhausted(job *types.DeliveryJob) bool {
	if p.Authority == CounterBroker {
		return job.DeliveryCount >= p.MaxDeliveries
	}
	return job.Attempts >= p.MaxAttempts
}
