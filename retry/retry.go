// Package retry provides the backoff wrapper and circuit breaker used
// around executor and planner calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay     = 1 * time.Second
	defaultMaxDelay      = 60 * time.Second
	defaultBackoffFactor = 2.0
	jitterFraction       = 0.25
)

// Policy configures retryWithBackoff behavior. The zero value is
// normalized to sane defaults by Do.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool

	// Retryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool

	// OnRetry is invoked before each re-attempt with the attempt
	// number just failed and the error it produced.
	OnRetry func(attempt int, err error)
}

func normalize(in Policy) Policy {
	out := in
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = defaultBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = defaultMaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	if out.BackoffFactor <= 1 {
		out.BackoffFactor = defaultBackoffFactor
	}
	return out
}

// delayForAttempt returns the pause before attempt n (n >= 2):
// min(base * factor^(n-2), max), optionally jittered by ±25%.
func (p Policy) delayForAttempt(attempt int) time.Duration {
	exp := float64(attempt - 2)
	if exp < 0 {
		exp = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, exp)
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 1 + jitterFraction*(2*rand.Float64()-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do runs op up to MaxAttempts times, sleeping with exponential
// backoff between attempts. It stops immediately when the error is not
// retryable or the context is done, returning the last error.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	p := normalize(policy)
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, lastErr)
			}
			if err := sleep(ctx, p.delayForAttempt(attempt)); err != nil {
				return err
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, policy, func(ctx context.Context) error {
		var opErr error
		out, opErr = op(ctx)
		return opErr
	})
	return out, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
