// Package scanner reconciles workflow files on disk with the stored
// definitions. Disk is authoritative for content and the store for status
// and history: a scan only ever flows disk to store.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/loader"
	"github.com/randalmurphal/orcflow/internal/workflow"
)

// Report describes what one reconciliation pass changed. All slices hold
// definition identifiers.
type Report struct {
	ProjectID   string
	Discovered  int
	Created     []string
	Updated     []string
	Reactivated []string
	Archived    []string
	Errors      []loader.FileError

	// Units are the units evaluated in this pass; every one of them is
	// backed by an active definition once Reconcile returns.
	Units []*workflow.Unit
}

// Scanner reconciles definitions for a project or the global directory.
type Scanner struct {
	store  *db.EngineDB
	loader *loader.Loader
	logger *slog.Logger
}

// New creates a Scanner. A nil logger uses slog.Default().
func New(store *db.EngineDB, l *loader.Loader, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if l == nil {
		l = loader.New(loader.WithLogger(logger))
	}
	return &Scanner{store: store, loader: l, logger: logger}
}

// Scan reconciles the project's .orc/workflows directory and returns the
// number of definitions discovered.
func (s *Scanner) Scan(ctx context.Context, projectID, projectPath string) (int, error) {
	rep, err := s.Reconcile(ctx, projectID, db.ScopeProject, filepath.Join(projectPath, loader.WorkflowsDir))
	if err != nil {
		return 0, err
	}
	return rep.Discovered, nil
}

// ScanGlobal reconciles the global workflows directory.
func (s *Scanner) ScanGlobal(ctx context.Context, dir string) (*Report, error) {
	return s.Reconcile(ctx, db.GlobalProjectID, db.ScopeGlobal, dir)
}

// Reconcile loads every file under dir and brings the stored definitions of
// projectID in line with it.
func (s *Scanner) Reconcile(ctx context.Context, projectID string, scope db.Scope, dir string) (*Report, error) {
	res, err := s.loader.LoadDir(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("load workflows for %q: %w", projectID, err)
	}

	existing, err := s.store.ListDefinitions(ctx, db.DefinitionListOpts{ProjectID: &projectID})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*db.WorkflowDefinition, len(existing))
	bySource := make(map[string][]*db.WorkflowDefinition)
	for _, d := range existing {
		byID[d.Identifier] = d
		bySource[d.SourcePath] = append(bySource[d.SourcePath], d)
	}

	rep := &Report{ProjectID: projectID, Discovered: len(res.Units), Errors: res.Errors, Units: res.Units}
	seen := make(map[string]bool, len(res.Units))

	for _, unit := range res.Units {
		def := unit.Definition(projectID, scope)
		seen[def.Identifier] = true
		prev := byID[def.Identifier]
		if err := s.store.UpsertDefinition(ctx, def); err != nil {
			return nil, err
		}
		switch {
		case prev == nil:
			rep.Created = append(rep.Created, def.Identifier)
		case !prev.IsActive():
			rep.Reactivated = append(rep.Reactivated, def.Identifier)
			s.logger.Info("workflow reactivated", "project", projectID, "id", def.Identifier)
		case prev.ContentHash != def.ContentHash || prev.SourcePath != def.SourcePath || prev.LoadError != "":
			rep.Updated = append(rep.Updated, def.Identifier)
		}
	}

	for _, fe := range res.Errors {
		id, err := s.recordLoadError(ctx, projectID, scope, dir, fe, bySource[fe.Path], seen)
		if err != nil {
			return nil, err
		}
		seen[id] = true
	}

	for _, d := range existing {
		if seen[d.Identifier] {
			continue
		}
		archived, err := s.retire(ctx, d)
		if err != nil {
			return nil, err
		}
		if archived {
			rep.Archived = append(rep.Archived, d.Identifier)
		}
	}

	s.logger.Debug("workflows reconciled",
		"project", projectID,
		"discovered", rep.Discovered,
		"created", len(rep.Created),
		"archived", len(rep.Archived),
		"errors", len(rep.Errors))
	return rep, nil
}

// recordLoadError attaches a file's load error to the definition last
// loaded from that file, or to a placeholder definition when there is none.
// It returns the identifier the error was recorded under.
func (s *Scanner) recordLoadError(ctx context.Context, projectID string, scope db.Scope, dir string,
	fe loader.FileError, candidates []*db.WorkflowDefinition, seen map[string]bool) (string, error) {
	msg := fe.Err.Error()
	for _, d := range candidates {
		if seen[d.Identifier] {
			continue
		}
		if err := s.store.ArchiveDefinition(ctx, projectID, d.Identifier, msg); err != nil {
			return "", err
		}
		s.logger.Warn("workflow archived after load error", "project", projectID, "id", d.Identifier, "error", msg)
		return d.Identifier, nil
	}

	rel, err := filepath.Rel(dir, fe.Path)
	if err != nil {
		rel = filepath.Base(fe.Path)
	}
	now := time.Now()
	placeholder := &db.WorkflowDefinition{
		ProjectID:  projectID,
		Identifier: workflow.PlaceholderPrefix + filepath.ToSlash(rel),
		Name:       filepath.ToSlash(rel),
		Scope:      scope,
		SourcePath: fe.Path,
		Status:     db.DefinitionArchived,
		FileExists: true,
		LoadError:  msg,
		ArchivedAt: &now,
	}
	if err := s.store.UpsertDefinition(ctx, placeholder); err != nil {
		return "", err
	}
	return placeholder.Identifier, nil
}

// retire handles a definition not produced by this scan. Active definitions
// are archived; file_exists is cleared when the backing file is gone. A
// placeholder whose file now loads, or is gone, is deleted.
func (s *Scanner) retire(ctx context.Context, d *db.WorkflowDefinition) (bool, error) {
	if strings.HasPrefix(d.Identifier, workflow.PlaceholderPrefix) {
		if err := s.store.DeleteDefinition(ctx, d.ProjectID, d.Identifier); err != nil {
			return false, err
		}
		s.logger.Debug("load error resolved", "project", d.ProjectID, "path", d.SourcePath)
		return false, nil
	}
	missing := fileMissing(d.SourcePath)
	switch {
	case missing && (d.FileExists || d.IsActive()):
		if err := s.store.MarkDefinitionMissing(ctx, d.ProjectID, d.Identifier); err != nil {
			return false, err
		}
		s.logger.Info("workflow file removed", "project", d.ProjectID, "id", d.Identifier, "path", d.SourcePath)
		return d.IsActive(), nil
	case !missing && d.IsActive():
		reason := fmt.Sprintf("%s no longer defines workflow %q", d.SourcePath, d.Identifier)
		if err := s.store.ArchiveDefinition(ctx, d.ProjectID, d.Identifier, reason); err != nil {
			return false, err
		}
		s.logger.Info("workflow no longer exported", "project", d.ProjectID, "id", d.Identifier)
		return true, nil
	}
	return false, nil
}

func fileMissing(path string) bool {
	if path == "" {
		return true
	}
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}
