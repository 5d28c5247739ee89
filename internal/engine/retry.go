package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Default backoff bounds: before retry k the policy sleeps min(Base·2^k, Ceiling).
const (
	DefaultRetryBase    = time.Second
	DefaultRetryCeiling = 60 * time.Second
)

// nonRetryableCodes fail the attempt loop immediately. They describe a
// malformed step, an open breaker, or a child step that already spent its
// own retry budget.
var nonRetryableCodes = map[string]bool{
	schema.ErrCodeStepExecution:       true,
	schema.ErrCodeUnresolvedReference: true,
	schema.ErrCodeUnknownSystemAction: true,
	schema.ErrCodeUnknownStepKind:     true,
	schema.ErrCodeCircuitOpen:         true,
	schema.ErrCodeValidation:          true,
	schema.ErrCodeCancelled:           true,
}

// IsRetryableError classifies whether an attempt that failed with err should
// be repeated. Context cancellation and the codes above are final; anything
// else is left to the retry budget.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return !nonRetryableCodes[fe.Code]
	}
	return true
}

// RetryPolicy runs a step invocation up to maxRetries+1 times with bounded
// exponential backoff between attempts.
type RetryPolicy struct {
	Base    time.Duration
	Ceiling time.Duration

	// Sleep waits between attempts. Defaults to WaitForBackoff.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(step string, attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the 1s/60s policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultRetryBase, Ceiling: DefaultRetryCeiling}
}

// ComputeBackoff returns the delay before retry attempt (1-based):
// Base·2^attempt capped at Ceiling.
func (p RetryPolicy) ComputeBackoff(attempt int) time.Duration {
	base, ceiling := p.Base, p.Ceiling
	if base <= 0 {
		base = DefaultRetryBase
	}
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// Execute invokes fn until it succeeds, fails with a non-retryable error, or
// maxRetries retries have been spent. fn receives the 1-based attempt number.
// It returns the number of attempts made; a failure is always a
// STEP_EXECUTION_ERROR carrying the step, the attempt count and the last
// error as cause. A context that expires while attempting turns the cause
// into TIMEOUT.
func (p RetryPolicy) Execute(ctx context.Context, step string, maxRetries int, fn func(ctx context.Context, attempt int) error) (int, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = WaitForBackoff
	}

	var lastErr error
	attempts := 0
	for attempts <= maxRetries {
		if attempts > 0 {
			delay := p.ComputeBackoff(attempts)
			if p.OnRetry != nil {
				p.OnRetry(step, attempts, delay, lastErr)
			}
			if err := sleep(ctx, delay); err != nil {
				lastErr = interruption(ctx, err, lastErr)
				break
			}
		}

		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			lastErr = interruption(ctx, ctx.Err(), err)
			break
		}
		if !IsRetryableError(err) {
			break
		}
	}

	return attempts, schema.NewErrorf(schema.ErrCodeStepExecution,
		"failed after %d attempt(s): %s", attempts, causeText(lastErr, step)).
		WithStep(step).
		WithCause(lastErr).
		WithDetails(map[string]any{"step": step, "attempts": attempts})
}

// causeText renders err without repeating the step name the wrapping error
// already carries.
func causeText(err error, step string) string {
	if fe, ok := err.(*schema.FlowError); ok && fe.Step == step {
		return fmt.Sprintf("[%s] %s", fe.Code, fe.Message)
	}
	return err.Error()
}

// interruption describes why the attempt loop was cut short by ctx.
func interruption(ctx context.Context, ctxErr, last error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fe := schema.NewError(schema.ErrCodeTimeout, "step timed out")
		if last != nil {
			fe.Message = "step timed out: " + last.Error()
		}
		return fe.WithCause(last)
	}
	fe := schema.NewError(schema.ErrCodeCancelled, "step cancelled")
	return fe.WithCause(last)
}

// WaitForBackoff sleeps for delay or returns early if the context is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
