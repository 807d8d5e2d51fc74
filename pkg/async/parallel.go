package async

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ParallelLimit runs tasks with at most limit in flight at once and returns
// one settled Result per task, preserving input order. It never fails as a
// whole: each slot carries its own error.
func ParallelLimit[T any](ctx context.Context, limit int, tasks []func(ctx context.Context) (T, error)) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if limit <= 0 {
		limit = len(tasks)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			v, err := task(gctx)
			results[i] = Result[T]{Value: v, Err: err}
			return nil // slot errors do not cancel siblings
		})
	}
	_ = g.Wait()
	return results
}
