package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep returns a Sleep func that records delays without waiting.
func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeExecution, "plugin failed")))

	for _, code := range []string{
		schema.ErrCodeUnresolvedReference,
		schema.ErrCodeUnknownSystemAction,
		schema.ErrCodeUnknownStepKind,
		schema.ErrCodeCircuitOpen,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
}

func TestComputeBackoff(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 2*time.Second, p.ComputeBackoff(1))
	assert.Equal(t, 4*time.Second, p.ComputeBackoff(2))
	assert.Equal(t, 8*time.Second, p.ComputeBackoff(3))
	assert.Equal(t, 32*time.Second, p.ComputeBackoff(5))
	assert.Equal(t, 60*time.Second, p.ComputeBackoff(6))
	assert.Equal(t, 60*time.Second, p.ComputeBackoff(200))
}

func TestComputeBackoff_ZeroPolicyUsesDefaults(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryPolicy{}.ComputeBackoff(1))
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{Sleep: recordingSleep(&delays)}

	attempts, err := p.Execute(context.Background(), "fetch", 3, func(context.Context, int) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)
}

func TestExecute_AlwaysFailingMakesNPlusOneAttempts(t *testing.T) {
	for _, n := range []int{0, 1, 3, 5} {
		var delays []time.Duration
		calls := 0
		p := RetryPolicy{Base: time.Second, Ceiling: time.Hour, Sleep: recordingSleep(&delays)}

		attempts, err := p.Execute(context.Background(), "flaky", n, func(_ context.Context, attempt int) error {
			calls++
			assert.Equal(t, calls, attempt)
			return errors.New("boom")
		})

		require.Error(t, err)
		assert.Equal(t, n+1, calls)
		assert.Equal(t, n+1, attempts)
		assert.Len(t, delays, n)
		for i := 1; i < len(delays); i++ {
			assert.Greater(t, delays[i], delays[i-1], "delays must strictly increase")
		}

		assert.Equal(t, schema.ErrCodeStepExecution, schema.ErrorCode(err))
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "flaky", fe.Step)
		assert.Equal(t, n+1, fe.Details["attempts"])
		assert.Contains(t, fe.Message, "boom")
	}
}

func TestExecute_RecoversAfterFailures(t *testing.T) {
	var delays []time.Duration
	var retried []int
	p := RetryPolicy{
		Sleep: recordingSleep(&delays),
		OnRetry: func(step string, attempt int, _ time.Duration, err error) {
			assert.Equal(t, "fetch", step)
			assert.EqualError(t, err, "transient")
			retried = append(retried, attempt)
		},
	}

	attempts, err := p.Execute(context.Background(), "fetch", 3, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{Sleep: recordingSleep(&delays)}

	attempts, err := p.Execute(context.Background(), "s", 3, func(context.Context, int) error {
		return schema.NewError(schema.ErrCodeUnknownSystemAction, "unknown system action: launch")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.ErrorCode(err))
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownSystemAction))
}

func TestExecute_MessageNamesStepOnce(t *testing.T) {
	p := RetryPolicy{Sleep: recordingSleep(new([]time.Duration))}

	_, err := p.Execute(context.Background(), "grade", 1, func(context.Context, int) error {
		return schema.NewError(schema.ErrCodeExecution, "plugin returned 502").WithStep("grade")
	})
	require.Error(t, err)
	assert.Equal(t, "[STEP_EXECUTION_ERROR] step grade: failed after 2 attempt(s): [EXECUTION_ERROR] plugin returned 502", err.Error())

	_, err = p.Execute(context.Background(), "grade", 0, func(context.Context, int) error {
		return schema.NewError(schema.ErrCodeStepExecution, "bad row").WithStep("fetch")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step fetch: bad row")
}

func TestExecute_NegativeBudgetMeansSingleAttempt(t *testing.T) {
	calls := 0
	_, err := RetryPolicy{Sleep: recordingSleep(new([]time.Duration))}.Execute(context.Background(), "s", -2,
		func(context.Context, int) error {
			calls++
			return errors.New("x")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Sleep: func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}}

	calls := 0
	attempts, err := p.Execute(ctx, "s", 5, func(context.Context, int) error {
		calls++
		return errors.New("x")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
}

func TestExecute_DeadlineBecomesTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := RetryPolicy{Base: time.Millisecond, Ceiling: time.Millisecond}
	_, err := p.Execute(ctx, "slow", 3, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.ErrorCode(err))
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -1))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	assert.ErrorIs(t, WaitForBackoff(ctx, 5*time.Second), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
