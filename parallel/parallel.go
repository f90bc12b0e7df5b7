// Package parallel runs a fixed number of indexed tasks with a bound on how
// many are in flight at once. Results keep their input order.
package parallel

import (
	"context"
	"sync"
)

// Do calls fn for every index in [0, n) with at most limit calls running
// concurrently. The first error wins; remaining started calls finish, but no
// new ones are launched after an error or context cancellation.
func Do(ctx context.Context, limit int, n int, fn func(ctx context.Context, i int) error) error {
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < n; i++ {
		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break
		}
		if err := ctx.Err(); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		select {
		case <-ctx.Done():
			mu.Lock()
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			mu.Unlock()
		case sem <- struct{}{}:
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := fn(ctx, i); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(i)
			continue
		}
		break
	}
	wg.Wait()
	return firstErr
}
