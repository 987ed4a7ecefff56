// Package fanout maps a function over a slice with bounded concurrency while
// keeping results in input order.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidLimit is returned for a concurrency limit below 1.
var ErrInvalidLimit = errors.New("concurrency limit must be at least 1")

// Map calls fn for every item with at most limit calls in flight and returns
// results[i] = fn(ctx, i, items[i]). Workers claim indices from a shared
// counter, so a slow item never holds up the others.
//
// When ctx ends, unclaimed items are skipped (their results stay the zero
// value) and ctx.Err() is returned once in-flight calls return.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, i int, item T) R) ([]R, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidLimit, limit)
	}
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	workers := min(limit, len(items))
	var next atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				i := int(next.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				results[i] = fn(gctx, i, items[i])
			}
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
