package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Project is a registered repository checkout whose .orc/workflows directory
// is scanned for definitions.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// NewProjectID returns a fresh project identifier.
func NewProjectID() string {
	return "PRJ-" + uuid.NewString()[:8]
}

// SaveProject registers a project. Re-registering the same path keeps the
// existing id and updates the name.
func (e *EngineDB) SaveProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		if existing, err := e.GetProjectByPath(ctx, p.Path); err != nil {
			return err
		} else if existing != nil {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
		} else {
			p.ID = NewProjectID()
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err := e.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path
	`, p.ID, p.Name, p.Path, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.Path, err)
	}
	return nil
}

// GetProject returns the project with the given id, or nil if absent.
func (e *EngineDB) GetProject(ctx context.Context, id string) (*Project, error) {
	row := e.QueryRowContext(ctx, `SELECT id, name, path, created_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// GetProjectByPath returns the project registered at path, or nil.
func (e *EngineDB) GetProjectByPath(ctx context.Context, path string) (*Project, error) {
	row := e.QueryRowContext(ctx, `SELECT id, name, path, created_at FROM projects WHERE path = ?`, path)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by path %s: %w", path, err)
	}
	return p, nil
}

// ListProjects returns every registered project ordered by name.
func (e *EngineDB) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := e.QueryContext(ctx, `SELECT id, name, path, created_at FROM projects ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project registration. Definitions and runs are kept.
func (e *EngineDB) DeleteProject(ctx context.Context, id string) error {
	if _, err := e.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &createdAt); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTimestamp(createdAt)
	return p, nil
}
