package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStepTimeout is matched by every *TimeoutError.
var ErrStepTimeout = errors.New("step timed out")

// TimeoutError is returned when a step exceeds its deadline. It is distinct
// from any error the step itself returned.
type TimeoutError struct {
	Step  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.After)
}

// Is matches ErrStepTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrStepTimeout
}

// PermanentError marks an error that retrying will not fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the engine does not retry the step that returned it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// DecodeInto unmarshals a step result into v.
func DecodeInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode step result: %w", err)
	}
	return nil
}

// Decode unmarshals a step result into a T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := DecodeInto(raw, &v)
	return v, err
}

// RunAs is Toolkit.Run with a typed result.
func RunAs[T any](ctx context.Context, t Toolkit, stepID string, fn func(ctx context.Context) (T, error)) (T, error) {
	raw, err := t.Run(ctx, stepID, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](raw)
}
