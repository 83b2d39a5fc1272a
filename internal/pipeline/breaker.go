package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerRunner fails fast once the wrapped runner keeps failing, e.g.
// when a checkpoint is missing or the interpreter cannot start.
type BreakerRunner struct {
	next Runner
	cb   *gobreaker.CircuitBreaker
}

// BreakerSettings configures the circuit breaker around the pipeline.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
	// OnStateChange is called after every transition; may be nil.
	OnStateChange func(from, to gobreaker.State)
}

// NewBreakerRunner wraps next. The breaker opens after MaxFailures
// consecutive failures and half-opens after OpenTimeout.
func NewBreakerRunner(next Runner, s BreakerSettings) *BreakerRunner {
	if s.MaxFailures == 0 {
		s.MaxFailures = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pipeline",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.MaxFailures
		},
		// A cancelled request says nothing about the pipeline's health.
		IsSuccessful: func(err error) bool {
			return err == nil || err == context.Canceled
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("component", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit_breaker_state_changed")
			if s.OnStateChange != nil {
				s.OnStateChange(from, to)
			}
		},
	})

	return &BreakerRunner{next: next, cb: cb}
}

// Infer runs the wrapped runner unless the breaker is open, in which case
// it returns gobreaker.ErrOpenState.
func (b *BreakerRunner) Infer(ctx context.Context, req Request) (Result, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		res, err := b.next.Infer(ctx, req)
		if err != nil && ctx.Err() == context.Canceled {
			return nil, context.Canceled
		}
		return res, err
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// State reports the breaker state.
func (b *BreakerRunner) State() gobreaker.State {
	return b.cb.State()
}
