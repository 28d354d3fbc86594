package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// WorkflowRun represents one execution of a workflow definition.
type WorkflowRun struct {
	ID            string     `json:"id"`
	DefinitionID  string     `json:"definition_id"`
	ProjectID     string     `json:"project_id"`
	TriggeredBy   string     `json:"triggered_by,omitempty"`
	Args          string     `json:"args"`
	Mode          string     `json:"mode,omitempty"`
	BranchName    string     `json:"branch_name,omitempty"`
	BaseBranch    string     `json:"base_branch,omitempty"`
	WorktreeName  string     `json:"worktree_name,omitempty"`
	Preserve      bool       `json:"preserve"`
	CurrentPhase  string     `json:"current_phase,omitempty"`
	Status        RunStatus  `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ExternalRunID string     `json:"external_run_id,omitempty"`
	Workspace     string     `json:"workspace,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "RUN-" + uuid.NewString()[:8]
}

const runColumns = `id, definition_id, project_id, triggered_by, args, mode, branch_name,
	base_branch, worktree_name, preserve, current_phase, status, error_message,
	external_run_id, workspace, started_at, completed_at, created_at, updated_at`

// SaveRun creates or updates a workflow run.
func (e *EngineDB) SaveRun(ctx context.Context, r *WorkflowRun) error {
	if r.ID == "" {
		r.ID = NewRunID()
	}
	if r.Status == "" {
		r.Status = RunPending
	}
	if r.Args == "" {
		r.Args = "{}"
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := e.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition_id = excluded.definition_id,
			project_id = excluded.project_id,
			triggered_by = excluded.triggered_by,
			args = excluded.args,
			mode = excluded.mode,
			branch_name = excluded.branch_name,
			base_branch = excluded.base_branch,
			worktree_name = excluded.worktree_name,
			preserve = excluded.preserve,
			current_phase = excluded.current_phase,
			status = excluded.status,
			error_message = excluded.error_message,
			external_run_id = excluded.external_run_id,
			workspace = excluded.workspace,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`, r.ID, r.DefinitionID, r.ProjectID, r.TriggeredBy, r.Args, r.Mode, r.BranchName,
		r.BaseBranch, r.WorktreeName, r.Preserve, sqlNullString(r.CurrentPhase), string(r.Status),
		r.ErrorMessage, r.ExternalRunID, r.Workspace, formatNullableTime(r.StartedAt),
		formatNullableTime(r.CompletedAt), formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save workflow run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID. Returns nil when it does not exist.
func (e *EngineDB) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := e.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run %s: %w", id, err)
	}
	return r, nil
}

// UpdateRunStatus writes a status change. Leaving running clears
// current_phase; entering running stamps started_at once; terminal
// statuses stamp completed_at.
func (e *EngineDB) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	now := formatTime(time.Now())
	var completedAt sql.NullString
	if status.IsTerminal() {
		completedAt = sql.NullString{String: now, Valid: true}
	}
	var startedAt sql.NullString
	if status == RunRunning {
		startedAt = sql.NullString{String: now, Valid: true}
	}

	res, err := e.ExecContext(ctx, `
		UPDATE workflow_runs SET
			status = ?,
			error_message = ?,
			current_phase = CASE WHEN ? THEN current_phase ELSE NULL END,
			started_at = COALESCE(started_at, CAST(? AS TEXT)),
			completed_at = CAST(? AS TEXT),
			updated_at = ?
		WHERE id = ?
	`, string(status), errMsg, status == RunRunning, startedAt, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s status: %w", id, sql.ErrNoRows)
	}
	return nil
}

// SetRunCurrentPhase records the phase in progress. The update only applies
// while the run is running.
func (e *EngineDB) SetRunCurrentPhase(ctx context.Context, id, phase string) error {
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_runs SET current_phase = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, sqlNullString(phase), formatTime(time.Now()), id, string(RunRunning))
	if err != nil {
		return fmt.Errorf("set run %s phase: %w", id, err)
	}
	return nil
}

// SetRunWorkspace stores the serialized workspace setup result.
func (e *EngineDB) SetRunWorkspace(ctx context.Context, id, workspace string) error {
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_runs SET workspace = ?, updated_at = ? WHERE id = ?
	`, workspace, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set run %s workspace: %w", id, err)
	}
	return nil
}

// RunListOpts specifies filtering options for listing workflow runs.
type RunListOpts struct {
	ProjectID    string
	DefinitionID string
	Status       RunStatus
	Limit        int
}

// ListRuns returns runs newest first.
func (e *EngineDB) ListRuns(ctx context.Context, opts RunListOpts) ([]*WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []any
	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.DefinitionID != "" {
		query += " AND definition_id = ?"
		args = append(args, opts.DefinitionID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run with its steps, events and step memos.
func (e *EngineDB) DeleteRun(ctx context.Context, id string) error {
	return e.RunInTx(ctx, func(tx *TxOps) error {
		for _, q := range []string{
			`DELETE FROM workflow_run_steps WHERE run_id = ?`,
			`DELETE FROM workflow_events WHERE run_id = ?`,
			`DELETE FROM workflow_runs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete run %s: %w", id, err)
			}
		}
		return nil
	})
}

func scanRun(row rowScanner) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var status, createdAt, updatedAt string
	var currentPhase, startedAt, completedAt sql.NullString

	err := row.Scan(&r.ID, &r.DefinitionID, &r.ProjectID, &r.TriggeredBy, &r.Args, &r.Mode,
		&r.BranchName, &r.BaseBranch, &r.WorktreeName, &r.Preserve, &currentPhase, &status,
		&r.ErrorMessage, &r.ExternalRunID, &r.Workspace, &startedAt, &completedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = RunStatus(status)
	r.CurrentPhase = currentPhase.String
	r.StartedAt = nullTimeToPtr(startedAt)
	r.CompletedAt = nullTimeToPtr(completedAt)
	r.CreatedAt = parseTimestamp(createdAt)
	r.UpdatedAt = parseTimestamp(updatedAt)
	return r, nil
}
