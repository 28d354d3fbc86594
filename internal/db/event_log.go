package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkflowEvent is a persisted lifecycle event of a run.
type WorkflowEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	StepID    string          `json:"step_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateEventIfAbsent inserts an event. When StepID is set and an event with
// the same (run_id, step_id) already exists, nothing is written and created
// is false. Events without a StepID are always inserted.
func (e *EngineDB) CreateEventIfAbsent(ctx context.Context, ev *WorkflowEvent) (created bool, err error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}

	row := e.QueryRowContext(ctx, `
		INSERT INTO workflow_events (run_id, type, title, body, payload, phase, step_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, ev.RunID, ev.Type, ev.Title, ev.Body, payload, sqlNullString(ev.Phase),
		sqlNullString(ev.StepID), formatTime(ev.CreatedAt))

	if err := row.Scan(&ev.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("save event %s for %s: %w", ev.Type, ev.RunID, err)
	}
	return true, nil
}

// ListEventsOpts filters ListEvents.
type ListEventsOpts struct {
	Types   []string
	AfterID int64
	Limit   int
}

// ListEvents returns a run's events in insertion order.
func (e *EngineDB) ListEvents(ctx context.Context, runID string, opts ListEventsOpts) ([]*WorkflowEvent, error) {
	query := `SELECT id, run_id, type, title, body, payload, phase, step_id, created_at
		FROM workflow_events WHERE run_id = ?`
	args := []any{runID}
	if opts.AfterID > 0 {
		query += " AND id > ?"
		args = append(args, opts.AfterID)
	}
	if len(opts.Types) > 0 {
		query += " AND type IN (?" + strings.Repeat(", ?", len(opts.Types)-1) + ")"
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*WorkflowEvent
	for rows.Next() {
		ev := &WorkflowEvent{}
		var payload, createdAt string
		var phase, stepID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &ev.Title, &ev.Body, &payload,
			&phase, &stepID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.Phase = phase.String
		ev.StepID = stepID.String
		ev.CreatedAt = parseTimestamp(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
