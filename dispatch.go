package scantrans

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunLimit runs fn for every index in [0, n) with at most limit tasks in
// flight. Idle workers pick up tasks in input order; completion order is
// unordered. Errors are captured per task and never abort siblings. The
// returned slice has length n with a nil entry for every task that
// succeeded.
func RunLimit(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			errs[i] = fn(gctx, i)
			// Task errors are isolated to their slot; returning nil keeps
			// the group from cancelling siblings.
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
