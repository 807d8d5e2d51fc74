package async

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Task is a labeled unit of work for RaceAll.
type Task[T any] struct {
	Label string
	Run   func(ctx context.Context) (T, error)
}

// RaceAll runs every task in parallel against a single deadline. Each task
// settles into its own slot; when the deadline fires, slots still pending
// are marked with ErrDeadlineExceeded while already-settled slots keep their
// values. In-flight tasks are cancelled via context but their background
// completions are simply dropped.
//
// This is the "use whatever finished, default the rest" contract the worker
// agents rely on.
func RaceAll[T any](ctx context.Context, deadline time.Duration, tasks []Task[T]) map[string]Result[T] {
	out := make(map[string]Result[T], len(tasks))
	if len(tasks) == 0 {
		return out
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var (
		mu        sync.Mutex
		finalized bool
		settled   = make(map[string]Result[T], len(tasks))
		remaining = len(tasks)
		done      = make(chan struct{})
	)

	for _, task := range tasks {
		task := task
		go func() {
			v, err := task.Run(runCtx)

			mu.Lock()
			defer mu.Unlock()
			if finalized {
				return // lost the race; drop the late result
			}
			settled[task.Label] = Result[T]{Value: v, Err: err}
			remaining--
			if remaining == 0 {
				close(done)
			}
		}()
	}

	select {
	case <-done:
	case <-runCtx.Done():
	}

	mu.Lock()
	finalized = true
	for _, task := range tasks {
		if r, ok := settled[task.Label]; ok {
			out[task.Label] = r
		} else {
			out[task.Label] = Result[T]{Err: fmt.Errorf("%s: %w", task.Label, ErrDeadlineExceeded)}
		}
	}
	mu.Unlock()
	return out
}
