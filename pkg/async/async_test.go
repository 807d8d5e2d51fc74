package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDeadlineReturnsValue(t *testing.T) {
	v, err := WithDeadline(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWithDeadlineSurfacesDeadline(t *testing.T) {
	started := time.Now()
	_, err := WithDeadline(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestWithDeadlinePropagatesTaskError(t *testing.T) {
	boom := errors.New("boom")
	_, err := WithDeadline(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithDeadlineParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithDeadline(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeadlineExceeded)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	transient := &statusErr{code: 503}
	var calls int

	opts := DefaultRetryOptions(isTransient)
	opts.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	v, err := Retry(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", transient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	perm := &statusErr{code: 400}
	var calls int

	opts := DefaultRetryOptions(isTransient)
	opts.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := Retry(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		return "", perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestRetrySurfacesOriginalErrorOnExhaustion(t *testing.T) {
	transient := &statusErr{code: 429}
	var calls int

	opts := DefaultRetryOptions(isTransient)
	opts.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := Retry(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		return "", transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls) // first try + 2 retries
}

func TestRetryBackoffGrowth(t *testing.T) {
	var delays []time.Duration
	opts := RetryOptions{
		MaxRetries: 2,
		Base:       100 * time.Millisecond,
		Retryable:  func(error) bool { return true },
		sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	_, _ = Retry(context.Background(), opts, func(ctx context.Context) (int, error) {
		return 0, errors.New("always")
	})

	require.Len(t, delays, 2)
	// base·2^n <= delay < base·2^n + base
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 200*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 200*time.Millisecond)
	assert.Less(t, delays[1], 300*time.Millisecond)
}

func TestParallelLimitPreservesOrderAndErrors(t *testing.T) {
	boom := errors.New("task 1 failed")
	tasks := []func(ctx context.Context) (int, error){
		func(ctx context.Context) (int, error) { return 10, nil },
		func(ctx context.Context) (int, error) { return 0, boom },
		func(ctx context.Context) (int, error) { return 30, nil },
	}

	results := ParallelLimit(context.Background(), 2, tasks)
	require.Len(t, results, 3)
	assert.True(t, results[0].Fulfilled())
	assert.Equal(t, 10, results[0].Value)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.Equal(t, 30, results[2].Value)
}

func TestParallelLimitBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	tasks := make([]func(ctx context.Context) (int, error), 8)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) (int, error) {
			cur := inflight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inflight.Add(-1)
			return 0, nil
		}
	}

	ParallelLimit(context.Background(), 3, tasks)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRaceAllKeepsCompletedSlots(t *testing.T) {
	tasks := []Task[string]{
		{Label: "fast", Run: func(ctx context.Context) (string, error) { return "done", nil }},
		{Label: "slow", Run: func(ctx context.Context) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}},
	}

	results := RaceAll(context.Background(), 50*time.Millisecond, tasks)
	require.Len(t, results, 2)

	assert.True(t, results["fast"].Fulfilled())
	assert.Equal(t, "done", results["fast"].Value)

	assert.False(t, results["slow"].Fulfilled())
	assert.ErrorIs(t, results["slow"].Err, ErrDeadlineExceeded)
	assert.Contains(t, results["slow"].Err.Error(), "slow")
}

func TestRaceAllAllComplete(t *testing.T) {
	tasks := []Task[int]{
		{Label: "a", Run: func(ctx context.Context) (int, error) { return 1, nil }},
		{Label: "b", Run: func(ctx context.Context) (int, error) { return 2, nil }},
	}

	results := RaceAll(context.Background(), time.Second, tasks)
	assert.Equal(t, 1, results["a"].Value)
	assert.Equal(t, 2, results["b"].Value)
}

func TestRaceAllTaskErrorIsPreserved(t *testing.T) {
	boom := errors.New("query failed")
	tasks := []Task[int]{
		{Label: "bad", Run: func(ctx context.Context) (int, error) { return 0, boom }},
	}

	results := RaceAll(context.Background(), time.Second, tasks)
	assert.ErrorIs(t, results["bad"].Err, boom)
}

// statusErr mimics a transport error with an HTTP status.
type statusErr struct{ code int }

func (e *statusErr) Error() string { return "status error" }

func isTransient(err error) bool {
	var se *statusErr
	if !errors.As(err, &se) {
		return false
	}
	return se.code == 429 || se.code >= 500
}
