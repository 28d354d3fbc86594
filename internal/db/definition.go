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

// DefinitionStatus is the lifecycle state of a stored definition.
type DefinitionStatus string

const (
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// Scope says where a definition was discovered.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// GlobalProjectID is the project id under which global definitions are stored.
const GlobalProjectID = ""

// DefinitionPhase is the stored shape of a declared phase.
type DefinitionPhase struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DefinitionArg is the stored shape of a declared argument.
type DefinitionArg struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// WorkflowDefinition is the persisted record of a discovered workflow.
// Rows are never deleted; disappearance is recorded through Status,
// FileExists and ArchivedAt.
type WorkflowDefinition struct {
	ProjectID   string            `json:"project_id"`
	Identifier  string            `json:"identifier"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Scope       Scope             `json:"scope"`
	SourcePath  string            `json:"source_path"`
	Phases      []DefinitionPhase `json:"phases"`
	Args        []DefinitionArg   `json:"args"`
	Status      DefinitionStatus  `json:"status"`
	FileExists  bool              `json:"file_exists"`
	LoadError   string            `json:"load_error,omitempty"`
	ArchivedAt  *time.Time        `json:"archived_at,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IsActive reports whether the definition may be triggered.
func (d *WorkflowDefinition) IsActive() bool {
	return d.Status == DefinitionActive
}

const definitionColumns = `project_id, identifier, name, description, scope, source_path,
	phases, args, status, file_exists, load_error, archived_at, content_hash,
	created_at, updated_at`

// UpsertDefinition creates or replaces the definition keyed by
// (project_id, identifier). created_at of an existing row is preserved.
func (e *EngineDB) UpsertDefinition(ctx context.Context, d *WorkflowDefinition) error {
	return upsertDefinition(ctx, e, d)
}

// UpsertDefinitionTx is UpsertDefinition within a transaction.
func UpsertDefinitionTx(tx *TxOps, d *WorkflowDefinition) error {
	return upsertDefinition(tx.Context(), tx, d)
}

func upsertDefinition(ctx context.Context, q querier, d *WorkflowDefinition) error {
	if strings.TrimSpace(d.Identifier) == "" {
		return fmt.Errorf("upsert definition: identifier is required")
	}
	if d.Scope == "" {
		d.Scope = ScopeProject
	}
	if d.Status == "" {
		d.Status = DefinitionActive
	}
	phases, err := json.Marshal(nonNilPhases(d.Phases))
	if err != nil {
		return fmt.Errorf("marshal phases: %w", err)
	}
	args, err := json.Marshal(nonNilArgs(d.Args))
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = q.ExecContext(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, identifier) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			scope = excluded.scope,
			source_path = excluded.source_path,
			phases = excluded.phases,
			args = excluded.args,
			status = excluded.status,
			file_exists = excluded.file_exists,
			load_error = excluded.load_error,
			archived_at = excluded.archived_at,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`, d.ProjectID, d.Identifier, d.Name, d.Description, string(d.Scope), d.SourcePath,
		string(phases), string(args), string(d.Status), d.FileExists, sqlNullString(d.LoadError),
		formatNullableTime(d.ArchivedAt), d.ContentHash, formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert definition %s/%s: %w", d.ProjectID, d.Identifier, err)
	}
	return nil
}

// GetDefinition returns the definition or nil when it does not exist.
func (e *EngineDB) GetDefinition(ctx context.Context, projectID, identifier string) (*WorkflowDefinition, error) {
	row := e.QueryRowContext(ctx, `SELECT `+definitionColumns+`
		FROM workflow_definitions WHERE project_id = ? AND identifier = ?`, projectID, identifier)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s/%s: %w", projectID, identifier, err)
	}
	return d, nil
}

// GetDefinitionBySourcePath returns the definition last loaded from path,
// or nil. When several share the path the most recently updated wins.
func (e *EngineDB) GetDefinitionBySourcePath(ctx context.Context, projectID, path string) (*WorkflowDefinition, error) {
	row := e.QueryRowContext(ctx, `SELECT `+definitionColumns+`
		FROM workflow_definitions WHERE project_id = ? AND source_path = ?
		ORDER BY updated_at DESC LIMIT 1`, projectID, path)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get definition by path %s: %w", path, err)
	}
	return d, nil
}

// DefinitionListOpts filters ListDefinitions.
type DefinitionListOpts struct {
	// ProjectID restricts results to one project; nil means all projects.
	ProjectID *string
	Status    DefinitionStatus
}

// ListDefinitions returns definitions ordered by project and identifier.
func (e *EngineDB) ListDefinitions(ctx context.Context, opts DefinitionListOpts) ([]*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE 1=1`
	var args []any
	if opts.ProjectID != nil {
		query += " AND project_id = ?"
		args = append(args, *opts.ProjectID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY project_id, identifier"

	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// ArchiveDefinition marks a definition archived with the given load error.
// An empty loadErr leaves any existing error in place.
func (e *EngineDB) ArchiveDefinition(ctx context.Context, projectID, identifier, loadErr string) error {
	now := formatTime(time.Now())
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_definitions SET
			status = ?,
			archived_at = COALESCE(archived_at, ?),
			load_error = COALESCE(CAST(? AS TEXT), load_error),
			updated_at = ?
		WHERE project_id = ? AND identifier = ?
	`, string(DefinitionArchived), now, sqlNullString(loadErr), now, projectID, identifier)
	if err != nil {
		return fmt.Errorf("archive definition %s/%s: %w", projectID, identifier, err)
	}
	return nil
}

// MarkDefinitionMissing records that the definition's file is gone,
// archiving it if it was still active.
func (e *EngineDB) MarkDefinitionMissing(ctx context.Context, projectID, identifier string) error {
	now := formatTime(time.Now())
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_definitions SET
			file_exists = ?,
			status = ?,
			archived_at = COALESCE(archived_at, ?),
			updated_at = ?
		WHERE project_id = ? AND identifier = ?
	`, false, string(DefinitionArchived), now, now, projectID, identifier)
	if err != nil {
		return fmt.Errorf("mark definition missing %s/%s: %w", projectID, identifier, err)
	}
	return nil
}

// DeleteDefinition removes a definition row.
func (e *EngineDB) DeleteDefinition(ctx context.Context, projectID, identifier string) error {
	_, err := e.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE project_id = ? AND identifier = ?`,
		projectID, identifier)
	if err != nil {
		return fmt.Errorf("delete definition %s/%s: %w", projectID, identifier, err)
	}
	return nil
}

// ClearDefinitionLoadError removes a stale load error.
func (e *EngineDB) ClearDefinitionLoadError(ctx context.Context, projectID, identifier string) error {
	_, err := e.ExecContext(ctx, `
		UPDATE workflow_definitions SET load_error = NULL, updated_at = ?
		WHERE project_id = ? AND identifier = ? AND load_error IS NOT NULL
	`, formatTime(time.Now()), projectID, identifier)
	if err != nil {
		return fmt.Errorf("clear load error %s/%s: %w", projectID, identifier, err)
	}
	return nil
}

func scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	d := &WorkflowDefinition{}
	var scope, status, phases, args, createdAt, updatedAt string
	var loadErr, archivedAt sql.NullString

	err := row.Scan(&d.ProjectID, &d.Identifier, &d.Name, &d.Description, &scope, &d.SourcePath,
		&phases, &args, &status, &d.FileExists, &loadErr, &archivedAt, &d.ContentHash,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Scope = Scope(scope)
	d.Status = DefinitionStatus(status)
	d.LoadError = loadErr.String
	d.ArchivedAt = nullTimeToPtr(archivedAt)
	d.CreatedAt = parseTimestamp(createdAt)
	d.UpdatedAt = parseTimestamp(updatedAt)
	if phases != "" {
		if err := json.Unmarshal([]byte(phases), &d.Phases); err != nil {
			return nil, fmt.Errorf("unmarshal phases: %w", err)
		}
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &d.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	return d, nil
}

func nonNilPhases(p []DefinitionPhase) []DefinitionPhase {
	if p == nil {
		return []DefinitionPhase{}
	}
	return p
}

func nonNilArgs(a []DefinitionArg) []DefinitionArg {
	if a == nil {
		return []DefinitionArg{}
	}
	return a
}
