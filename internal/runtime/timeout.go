package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/orcflow/pkg/flow"
)

// withTimeout runs fn with a deadline of d. When the deadline passes first a
// *flow.TimeoutError is returned, even if fn ignores its context. The
// caller's own cancellation is returned unchanged. d <= 0 disables the limit.
// A panic in fn is returned as a permanent error.
func withTimeout(ctx context.Context, step string, d time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	if d <= 0 {
		return guard(ctx, step, fn)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := guard(tctx, step, fn)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, &flow.TimeoutError{Step: step, After: d}
		}
		return r.v, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &flow.TimeoutError{Step: step, After: d}
	}
}

// guard calls fn, turning a panic into an error. fn may run on its own
// goroutine, where an unrecovered panic would end the process.
func guard(ctx context.Context, step string, fn func(ctx context.Context) (any, error)) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = nil, flow.Permanent(fmt.Errorf("step %s panicked: %v", step, p))
		}
	}()
	return fn(ctx)
}
