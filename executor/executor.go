// Package executor defines the contract for running a single plan
// action against the target portal, plus wrappers for timeout
// enforcement and resilience.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/tramitebot/tramitebot/retry"
	"github.com/tramitebot/tramitebot/types"
)

// ActionExecutor runs one action. Failures that are part of normal
// operation (element missing, portal error, timeout) are reported in
// the ActionResult with Success=false; the error return is reserved
// for infrastructure faults such as a dead browser.
type ActionExecutor interface {
	Execute(ctx context.Context, action types.Action) (types.ActionResult, error)
	Close() error
}

// TimeoutMessage is the error message recorded when an action exceeds
// its own timeout budget.
const TimeoutMessage = "timeout"

// WithTimeout enforces each action's TimeoutSeconds around an inner
// executor. An overrun cancels the inner call and yields a failed
// result with TimeoutMessage so error handling classifies it as an
// action timeout.
func WithTimeout(inner ActionExecutor) ActionExecutor {
	return &timeoutExecutor{inner: inner}
}

type timeoutExecutor struct {
	inner ActionExecutor
}

func (t *timeoutExecutor) Execute(ctx context.Context, action types.Action) (types.ActionResult, error) {
	deadline := action.Timeout()
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	result, err := t.inner.Execute(execCtx, action)
	elapsed := time.Since(start)

	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded)) {
		return types.ActionResult{
			ActionID:             action.ID,
			Success:              false,
			ExecutionTimeSeconds: elapsed.Seconds(),
			ErrorMessage:         TimeoutMessage,
			CompletedAt:          time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return result, err
	}
	result.ExecutionTimeSeconds = elapsed.Seconds()
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	return result, nil
}

func (t *timeoutExecutor) Close() error { return t.inner.Close() }

// WithResilience guards an executor with a retry policy for
// infrastructure errors and a circuit breaker across calls. Action
// level failures (Success=false results) pass through untouched; the
// engine's error handling owns those.
func WithResilience(inner ActionExecutor, policy retry.Policy, breaker *retry.CircuitBreaker) ActionExecutor {
	if breaker == nil {
		breaker = retry.NewCircuitBreaker(retry.BreakerConfig{})
	}
	return &resilientExecutor{inner: inner, policy: policy, breaker: breaker}
}

type resilientExecutor struct {
	inner   ActionExecutor
	policy  retry.Policy
	breaker *retry.CircuitBreaker
}

func (r *resilientExecutor) Execute(ctx context.Context, action types.Action) (types.ActionResult, error) {
	var result types.ActionResult
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.breaker.Call(ctx, func(ctx context.Context) error {
			var execErr error
			result, execErr = r.inner.Execute(ctx, action)
			return execErr
		})
	})
	return result, err
}

func (r *resilientExecutor) Close() error { return r.inner.Close() }
