package task

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// BoundedFanOut runs fn once per item, with at most maxConcurrent
// calls in flight at a time. The dependency-fetch path uses it so a
// single event with a large prev_events/auth_events fan-out cannot
// exhaust the federation client's connection pool. The first error cancels the remaining work and is returned.
func BoundedFanOut[T any](ctx context.Context, maxConcurrent int64, items []T, fn func(ctx context.Context, item T) error) error {
	if len(items) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(maxConcurrent)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, len(items))
	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			return context.Cause(ctx)
		}
		go func(item T) {
			defer sem.Release(1)
			if err := fn(ctx, item); err != nil {
				cancel(err)
				errCh <- err
				return
			}
			errCh <- nil
		}(item)
	}

	var firstErr error
	for range items {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
