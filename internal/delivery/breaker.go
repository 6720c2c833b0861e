package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"fleetrelay/internal/types"
)

// ErrCircuitOpen is the cause recorded when a breaker rejects an attempt.
var ErrCircuitOpen = errors.New("delivery: circuit open")

// errAttemptFailed is what the breaker sees for a transient failure. Permanent
// and blocked outcomes are configuration problems, not destination health,
// so they count as successes.
var errAttemptFailed = errors.New("delivery: transient failure")

// Breakers keeps one circuit breaker per destination type and host, created
// on first use.
type Breakers struct {
	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker[Result]
	threshold   uint32
	openTimeout time.Duration
	logger      types.Logger
}

// NewBreakers trips a breaker after threshold consecutive transient failures
// and half-opens it after openTimeout.
func NewBreakers(threshold uint32, openTimeout time.Duration, logger types.Logger) *Breakers {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Breakers{
		breakers:    make(map[string]*gobreaker.CircuitBreaker[Result]),
		threshold:   threshold,
		openTimeout: openTimeout,
		logger:      logger,
	}
}

func breakerKey(t types.DestinationType, host string) string {
	return string(t) + "|" + host
}

func (b *Breakers) get(key string) *gobreaker.CircuitBreaker[Result] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     b.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	b.breakers[key] = cb
	return cb
}

// State reports the breaker state for key, or closed if none exists yet.
func (b *Breakers) State(key string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[key]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Execute runs send through the breaker for key. A nil *Breakers runs send
// directly.
func (b *Breakers) Execute(key string, send func() Result) Result {
	if b == nil {
		return send()
	}

	res, err := b.get(key).Execute(func() (Result, error) {
		r := send()
		if r.Outcome == OutcomeTransient && r.Attempted {
			return r, errAttemptFailed
		}
		return r, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{
			Outcome: OutcomeTransient,
			Err:     asAppError(types.ErrCodeDeliveryCircuitOpen, fmt.Errorf("%w: %s", ErrCircuitOpen, key)),
		}
	}
	return res
}
