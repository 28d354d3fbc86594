// Package durable provides the memoized step substrate runs execute on.
//
// A step is identified by (run id, step id). Once a step's result has been
// recorded it is returned on every later call for the same pair without
// running the step again, so a run body can be replayed from the top after a
// crash or retry and only the unfinished work executes.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/pkg/flow"
)

const (
	DefaultStepRetries = 3
	DefaultBackoff     = 500 * time.Millisecond
)

// StepFunc produces a step's JSON result.
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// Substrate executes memoized steps against the engine store.
type Substrate struct {
	store   *db.EngineDB
	group   singleflight.Group
	retries uint64
	backoff time.Duration
	logger  *slog.Logger
}

// Option configures a Substrate.
type Option func(*Substrate)

// WithRetries sets how many times a failing step is retried.
func WithRetries(n uint64) Option {
	return func(s *Substrate) { s.retries = n }
}

// WithBackoff sets the base of the exponential retry backoff.
func WithBackoff(d time.Duration) Option {
	return func(s *Substrate) {
		if d > 0 {
			s.backoff = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Substrate) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Substrate.
func New(store *db.EngineDB, opts ...Option) *Substrate {
	s := &Substrate{
		store:   store,
		retries: DefaultStepRetries,
		backoff: DefaultBackoff,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type stepResult struct {
	output   json.RawMessage
	replayed bool
}

// Step returns the recorded result of (runID, stepID) when there is one and
// reports replayed=true. Otherwise it runs fn, retrying failures, and records
// the result. Concurrent calls for the same step share one execution.
//
// Errors marked with flow.Permanent, step timeouts and context cancellation
// are not retried.
func (s *Substrate) Step(ctx context.Context, runID, stepID string, fn StepFunc) (json.RawMessage, bool, error) {
	v, err, _ := s.group.Do(runID+"\x00"+stepID, func() (any, error) {
		memo, err := s.store.GetStepMemo(ctx, runID, stepID)
		if err != nil {
			return nil, err
		}
		if memo != nil {
			return stepResult{output: memo.Output, replayed: true}, nil
		}

		out, err := s.execute(ctx, runID, stepID, fn)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			out = json.RawMessage("null")
		}
		if err := s.store.SaveStepMemo(ctx, &db.StepMemo{RunID: runID, StepID: stepID, Output: out}); err != nil {
			return nil, err
		}
		// Another process may have recorded the step first; its result wins.
		memo, err = s.store.GetStepMemo(ctx, runID, stepID)
		if err != nil {
			return nil, err
		}
		if memo == nil {
			return nil, fmt.Errorf("step %s/%s: memo missing after save", runID, stepID)
		}
		return stepResult{output: memo.Output}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(stepResult)
	return res.output, res.replayed, nil
}

func (s *Substrate) execute(ctx context.Context, runID, stepID string, fn StepFunc) (json.RawMessage, error) {
	var out json.RawMessage
	attempt := 0
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := fn(ctx)
		if err == nil {
			out = res
			return nil
		}
		if !Retryable(err) {
			return err
		}
		s.logger.Warn("step attempt failed",
			"run_id", runID,
			"step", stepID,
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	return out, err
}

// Retryable reports whether a step error is worth another attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case flow.IsPermanent(err):
		return false
	case errors.Is(err, flow.ErrStepTimeout):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Memoized returns how many steps of a run have recorded results.
func (s *Substrate) Memoized(ctx context.Context, runID string) (int, error) {
	return s.store.CountStepMemos(ctx, runID)
}
