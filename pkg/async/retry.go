package async

import (
	"context"
	"math/rand"
	"time"
)

// RetryOptions configures Retry.
type RetryOptions struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int

	// Base is the backoff base. The delay before attempt n (0-based) is
	// Base·2^n plus uniform random jitter in [0, Base).
	Base time.Duration

	// Retryable classifies an error as transient. Nil means nothing is
	// retried.
	Retryable func(error) bool

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryOptions returns the standard policy: two re-attempts from a
// 500ms base, using the supplied transient classifier.
func DefaultRetryOptions(retryable func(error) bool) RetryOptions {
	return RetryOptions{
		MaxRetries: 2,
		Base:       500 * time.Millisecond,
		Retryable:  retryable,
	}
}

// Retry runs fn, re-attempting transient failures with exponential backoff
// and jitter. On a non-retryable error or exhausted retries the original
// error is surfaced unchanged.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if opts.Retryable == nil || !opts.Retryable(err) || attempt >= opts.MaxRetries {
			return zero, lastErr
		}

		delay := opts.Base<<attempt + jitter(opts.Base)
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
