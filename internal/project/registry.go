// Package project manages the registered projects whose workflow
// directories are scanned on reload.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/randalmurphal/orcflow/internal/db"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
)

// Register adds or updates a project. The path is made absolute with
// symlinks resolved so the same checkout never registers twice. An empty
// name defaults to the directory name.
func Register(ctx context.Context, store *db.EngineDB, path, name string) (*db.Project, error) {
	absPath, err := Canonical(path)
	if err != nil {
		return nil, orcerrors.ErrProjectInvalid(path, err.Error())
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, orcerrors.ErrProjectInvalid(path, "path not found")
	}
	if !info.IsDir() {
		return nil, orcerrors.ErrProjectInvalid(path, "path is not a directory")
	}

	if name == "" {
		name = filepath.Base(absPath)
	}
	p := &db.Project{Name: name, Path: absPath}
	if err := store.SaveProject(ctx, p); err != nil {
		return nil, fmt.Errorf("register project: %w", err)
	}
	return p, nil
}

// Get returns a project by ID or path.
func Get(ctx context.Context, store *db.EngineDB, idOrPath string) (*db.Project, error) {
	p, err := store.GetProject(ctx, idOrPath)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}
	if absPath, err := Canonical(idOrPath); err == nil {
		p, err = store.GetProjectByPath(ctx, absPath)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, orcerrors.ErrProjectNotFound(idOrPath)
}

// Unregister removes a project by ID or path. Its runs and definitions are
// kept.
func Unregister(ctx context.Context, store *db.EngineDB, idOrPath string) error {
	p, err := Get(ctx, store, idOrPath)
	if err != nil {
		return err
	}
	return store.DeleteProject(ctx, p.ID)
}

// Valid returns registered projects whose paths still exist.
func Valid(ctx context.Context, store *db.EngineDB) ([]*db.Project, error) {
	all, err := store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var valid []*db.Project
	for _, p := range all {
		if _, err := os.Stat(p.Path); err == nil {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

// Canonical returns the absolute, symlink-resolved form of path. Paths that
// do not exist are only made absolute.
func Canonical(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved, nil
	}
	return absPath, nil
}
