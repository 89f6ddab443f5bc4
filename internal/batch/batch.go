// Package batch runs a worker over a slice in bounded, paced batches.
// Within a batch the workers run concurrently; the next batch starts
// only after every worker has settled and the pause has elapsed.
package batch

import (
	"context"
	"sync"
	"time"
)

// Result pairs one input's output with its error. Callers that treat
// failures as droppable check Err per element; one element failing
// never cancels its siblings.
type Result[U any] struct {
	Value U
	Err   error
}

// Run applies fn to every item, size at a time, preserving input order
// in the returned slice. Cancellation is checked between batches; a
// batch already in flight runs to completion.
func Run[T, U any](ctx context.Context, items []T, size int, pause time.Duration, fn func(ctx context.Context, item T) (U, error)) []Result[U] {
	if size <= 0 {
		size = 1
	}
	results := make([]Result[U], len(items))

	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			for i := start; i < len(items); i++ {
				results[i].Err = err
			}
			return results
		}

		end := start + size
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i].Value, results[i].Err = fn(ctx, items[i])
			}(i)
		}
		wg.Wait()

		if end < len(items) && pause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
		}
	}
	return results
}
