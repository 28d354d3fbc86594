// Package state owns the run status lifecycle:
//
//	pending -> running -> completed | failed
//	running <-> paused
//	pending | running | paused -> cancelled
//
// Transitions are monotonic except pause/resume. Starting a run that is
// already running is allowed so replays of an interrupted run can re-enter.
package state

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/randalmurphal/orcflow/internal/db"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
)

// Trigger is an event that moves a run between statuses.
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
	TriggerPause    Trigger = "pause"
	TriggerResume   Trigger = "resume"
	TriggerCancel   Trigger = "cancel"
)

// Machine returns a state machine positioned at status.
func Machine(status db.RunStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)

	sm.Configure(db.RunPending).
		Permit(TriggerStart, db.RunRunning).
		Permit(TriggerFail, db.RunFailed).
		Permit(TriggerCancel, db.RunCancelled)

	sm.Configure(db.RunRunning).
		PermitReentry(TriggerStart).
		Permit(TriggerComplete, db.RunCompleted).
		Permit(TriggerFail, db.RunFailed).
		Permit(TriggerPause, db.RunPaused).
		Permit(TriggerCancel, db.RunCancelled)

	sm.Configure(db.RunPaused).
		Permit(TriggerResume, db.RunRunning).
		Permit(TriggerFail, db.RunFailed).
		Permit(TriggerCancel, db.RunCancelled)

	// Terminal statuses absorb repeats of the trigger that reached them so
	// duplicate failure handling stays idempotent.
	sm.Configure(db.RunCompleted).
		Ignore(TriggerComplete)
	sm.Configure(db.RunFailed).
		Ignore(TriggerFail)
	sm.Configure(db.RunCancelled).
		Ignore(TriggerCancel)

	return sm
}

// Next returns the status reached by firing trigger at current.
func Next(current db.RunStatus, trigger Trigger) (db.RunStatus, error) {
	sm := Machine(current)
	if err := sm.Fire(trigger); err != nil {
		return current, &TransitionError{From: current, Trigger: trigger, Err: err}
	}
	return sm.MustState().(db.RunStatus), nil
}

// CanFire reports whether trigger is permitted at current.
func CanFire(current db.RunStatus, trigger Trigger) bool {
	ok, err := Machine(current).CanFire(trigger)
	return err == nil && ok
}

// TransitionError is returned for a trigger not permitted in a status.
type TransitionError struct {
	From    db.RunStatus
	Trigger Trigger
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s run in status %s", e.Trigger, e.From)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Transition fires trigger for a stored run and persists the new status.
// errMsg is recorded with failed runs. It returns the new status; firing
// an ignored trigger leaves the row untouched.
func Transition(ctx context.Context, store *db.EngineDB, runID string, trigger Trigger, errMsg string) (db.RunStatus, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", orcerrors.ErrRunNotFound(runID)
	}
	next, err := Next(run.Status, trigger)
	if err != nil {
		return run.Status, orcerrors.ErrRunInvalidState(runID, string(run.Status), string(trigger)).WithCause(err)
	}
	if next == run.Status && trigger != TriggerStart {
		return next, nil
	}
	if err := store.UpdateRunStatus(ctx, runID, next, errMsg); err != nil {
		return run.Status, err
	}
	return next, nil
}
