package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"
)

// FailureHook is called once a run body has failed for good.
type FailureHook func(ctx context.Context, runID string, err error)

// Execution describes one attempt at running a body.
type Execution struct {
	RunID string
	// ID identifies this attempt; each Run call gets a fresh one.
	ID string
	// Replaying is set when some of the run's steps were already recorded
	// by an earlier attempt.
	Replaying bool
}

type executionKey struct{}

// ExecutionFrom returns the execution a context belongs to.
func ExecutionFrom(ctx context.Context) (Execution, bool) {
	ex, ok := ctx.Value(executionKey{}).(Execution)
	return ex, ok
}

// Runner executes run bodies on a Substrate.
type Runner struct {
	substrate *Substrate
	onFailure FailureHook
	logger    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithFailureHook registers the handler invoked when a body fails.
func WithFailureHook(h FailureHook) RunnerOption {
	return func(r *Runner) { r.onFailure = h }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(s *Substrate, opts ...RunnerOption) *Runner {
	r := &Runner{substrate: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Substrate returns the substrate steps are recorded on.
func (r *Runner) Substrate() *Substrate {
	return r.substrate
}

// Interrupted reports whether err is the result of ctx being cancelled, as
// on shutdown. An interrupted run is not failed: it resumes later.
func Interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled)
}

// Run executes fn for runID. A panic in fn is returned as an error. When fn
// fails the failure hook runs before Run returns; an interrupted fn does not
// count as failed.
func (r *Runner) Run(ctx context.Context, runID string, fn func(ctx context.Context) error) (err error) {
	ex := Execution{RunID: runID, ID: uuid.NewString()}
	if n, cerr := r.substrate.Memoized(ctx, runID); cerr == nil {
		ex.Replaying = n > 0
	}
	ctx = context.WithValue(ctx, executionKey{}, ex)

	r.logger.Debug("run attempt starting", "run_id", runID, "execution_id", ex.ID, "replaying", ex.Replaying)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run %s panicked: %v\n%s", runID, p, debug.Stack())
		}
		if Interrupted(ctx, err) {
			r.logger.Info("run attempt interrupted", "run_id", runID, "execution_id", ex.ID)
			return
		}
		if err != nil && r.onFailure != nil {
			r.onFailure(context.WithoutCancel(ctx), runID, err)
		}
	}()
	return fn(ctx)
}
