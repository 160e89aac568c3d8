package retry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped operation.
var ErrCircuitOpen = errors.New("retry: circuit breaker is open")

// BreakerState is the circuit position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultBreakerTimeout   = 60 * time.Second
)

// BreakerConfig tunes a CircuitBreaker. Zero values fall back to the
// documented defaults.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	// OnStateChange, if set, is notified after every transition.
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker guards a single call site against a persistently
// failing dependency. It is process local and never persisted with
// session state.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// State returns the current circuit position.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs op through the breaker. While open, calls fail fast with
// ErrCircuitOpen until the cool-down elapses; the first call after
// that runs as a half-open trial.
func (b *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := op(ctx)
	b.afterCall(err)
	return err
}

func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cfg.Timeout {
			b.setState(BreakerHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *CircuitBreaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *CircuitBreaker) onSuccess() {
	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.failureCount = 0
			b.setState(BreakerClosed)
		}
	case BreakerClosed:
		b.failureCount = 0
	}
}

func (b *CircuitBreaker) onFailure() {
	b.lastFailure = time.Now()
	switch b.state {
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.setState(BreakerOpen)
		}
	}
}

// setState assumes b.mu is held.
func (b *CircuitBreaker) setState(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.successCount = 0
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(prev, next)
	}
}
