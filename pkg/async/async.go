// Package async provides the concurrency primitives shared by every agent:
// deadline racing, retry with backoff, bounded-concurrency parallel
// execution, and the partial-result race.
package async

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeadlineExceeded is surfaced when a raced operation loses to its
// deadline. Results produced after the deadline are discarded by the race,
// not unwound.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// Result is one settled slot of a parallel operation: either a value or the
// reason it failed. Slots preserve input order.
type Result[T any] struct {
	Value T
	Err   error
}

// Fulfilled reports whether the slot settled with a value.
func (r Result[T]) Fulfilled() bool { return r.Err == nil }

// WithDeadline runs fn with a context that expires after d. If the deadline
// fires before fn returns, the task context is cancelled and
// ErrDeadlineExceeded is surfaced; the timer is released on every exit path.
func WithDeadline[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type settled struct {
		value T
		err   error
	}
	ch := make(chan settled, 1)
	go func() {
		v, err := fn(runCtx)
		ch <- settled{value: v, err: err}
	}()

	select {
	case s := <-ch:
		if s.err != nil && errors.Is(s.err, context.DeadlineExceeded) && runCtx.Err() == context.DeadlineExceeded {
			var zero T
			return zero, fmt.Errorf("%w after %s", ErrDeadlineExceeded, d)
		}
		return s.value, s.err
	case <-runCtx.Done():
		var zero T
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrDeadlineExceeded, d)
		}
		return zero, runCtx.Err()
	}
}
