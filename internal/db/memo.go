package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StepMemo is the recorded result of a durable step.
type StepMemo struct {
	RunID       string          `json:"run_id"`
	StepID      string          `json:"step_id"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completed_at"`
}

// GetStepMemo returns the memoized output for (runID, stepID), or nil.
func (e *EngineDB) GetStepMemo(ctx context.Context, runID, stepID string) (*StepMemo, error) {
	m := &StepMemo{}
	var output, completedAt string
	err := e.QueryRowContext(ctx, `
		SELECT run_id, step_id, output, completed_at FROM step_memos
		WHERE run_id = ? AND step_id = ?
	`, runID, stepID).Scan(&m.RunID, &m.StepID, &output, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step memo %s/%s: %w", runID, stepID, err)
	}
	m.Output = json.RawMessage(output)
	m.CompletedAt = parseTimestamp(completedAt)
	return m, nil
}

// SaveStepMemo records a step result. The first recorded result wins.
func (e *EngineDB) SaveStepMemo(ctx context.Context, m *StepMemo) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now()
	}
	output := string(m.Output)
	if output == "" {
		output = "null"
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO step_memos (run_id, step_id, output, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step_id) DO NOTHING
	`, m.RunID, m.StepID, output, formatTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("save step memo %s/%s: %w", m.RunID, m.StepID, err)
	}
	return nil
}

// CountStepMemos returns how many steps of a run have recorded results.
func (e *EngineDB) CountStepMemos(ctx context.Context, runID string) (int, error) {
	var n int
	if err := e.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_memos WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count step memos %s: %w", runID, err)
	}
	return n, nil
}
