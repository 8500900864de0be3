package concurrent

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// PanicError is returned in place of a panic recovered by Isolate.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Isolate runs fn and turns a panic into a *PanicError.
func Isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// ForEach runs action for every element with at most workers goroutines at a
// time and waits for all of them. Unlike errgroup's usual use, one failing
// element does not stop the others: every action runs, panics are recovered,
// and the per-element errors are returned in input order (nil where the
// action succeeded).
func ForEach[T any](ctx context.Context, items []T, workers int, action func(context.Context, T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}

	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, item := range items {
		g.Go(func() error {
			errs[i] = Isolate(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return action(ctx, item)
			})
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
