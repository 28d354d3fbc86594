package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StepStatus is the status of a tracked step row.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepType names the kind of operation a step row tracks.
type StepType string

const (
	StepTypeRun        StepType = "run"
	StepTypeAgent      StepType = "agent"
	StepTypeAI         StepType = "ai"
	StepTypeCLI        StepType = "cli"
	StepTypeGit        StepType = "git"
	StepTypeArtifact   StepType = "artifact"
	StepTypeAnnotation StepType = "annotation"
	StepTypeWorkspace  StepType = "workspace"
)

// WorkflowRunStep tracks one step of a run. (run_id, name, phase) is unique,
// so replays of the same step attach to the same row.
type WorkflowRunStep struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	Name        string     `json:"name"`
	Phase       string     `json:"phase,omitempty"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	Input       string     `json:"input,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

const stepColumns = `id, run_id, name, phase, type, status, input, output, error,
	started_at, completed_at, created_at`

// FindOrCreateStep returns the step row for (runID, name, phase), creating
// a pending row if none exists yet.
func (e *EngineDB) FindOrCreateStep(ctx context.Context, runID, name, phase string, typ StepType, input string) (*WorkflowRunStep, error) {
	_, err := e.ExecContext(ctx, `
		INSERT INTO workflow_run_steps (run_id, name, phase, type, status, input, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, name, phase) DO NOTHING
	`, runID, name, phase, string(typ), string(StepPending), input, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("create step %s/%s: %w", runID, name, err)
	}

	row := e.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps
		WHERE run_id = ? AND name = ? AND phase = ?`, runID, name, phase)
	s, err := scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("find step %s/%s: %w", runID, name, err)
	}
	return s, nil
}

// GetStep returns a step row by id, or nil.
func (e *EngineDB) GetStep(ctx context.Context, id int64) (*WorkflowRunStep, error) {
	row := e.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps WHERE id = ?`, id)
	s, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step %d: %w", id, err)
	}
	return s, nil
}

// MarkStepRunning moves a step to running, stamping started_at once and
// clearing any error from a previous attempt.
func (e *EngineDB) MarkStepRunning(ctx context.Context, id int64) error {
	now := formatTime(time.Now())
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_run_steps SET
			status = ?,
			error = '',
			started_at = COALESCE(started_at, ?),
			completed_at = NULL
		WHERE id = ?
	`, string(StepRunning), now, id)
	if err != nil {
		return fmt.Errorf("mark step %d running: %w", id, err)
	}
	return nil
}

// MarkStepCompleted records a step's output.
func (e *EngineDB) MarkStepCompleted(ctx context.Context, id int64, output string) error {
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_run_steps SET status = ?, output = ?, error = '', completed_at = ?
		WHERE id = ?
	`, string(StepCompleted), output, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark step %d completed: %w", id, err)
	}
	return nil
}

// MarkStepFailed records a step's error.
func (e *EngineDB) MarkStepFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_run_steps SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, string(StepFailed), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark step %d failed: %w", id, err)
	}
	return nil
}

// ListSteps returns every step row of a run in creation order.
func (e *EngineDB) ListSteps(ctx context.Context, runID string) ([]*WorkflowRunStep, error) {
	rows, err := e.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps
		WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*WorkflowRunStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func scanStep(row rowScanner) (*WorkflowRunStep, error) {
	s := &WorkflowRunStep{}
	var typ, status, createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&s.ID, &s.RunID, &s.Name, &s.Phase, &typ, &status, &s.Input, &s.Output,
		&s.Error, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	s.Type = StepType(typ)
	s.Status = StepStatus(status)
	s.StartedAt = nullTimeToPtr(startedAt)
	s.CompletedAt = nullTimeToPtr(completedAt)
	s.CreatedAt = parseTimestamp(createdAt)
	return s, nil
}
