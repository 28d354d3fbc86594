// Package registry publishes the set of executable workflow units.
//
// Reload rescans every registered project and the global directory and
// builds a new Snapshot off to the side. The snapshot is published with a
// single pointer store, so a trigger either sees the previous set or the
// new one, never a partial rebuild. Runs already executing keep the unit
// they were started with.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/loader"
	"github.com/randalmurphal/orcflow/internal/scanner"
	"github.com/randalmurphal/orcflow/internal/workflow"
)

// DefaultConcurrency bounds how many projects are scanned at once.
const DefaultConcurrency = 4

// Snapshot is an immutable set of units, keyed by project.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	units    map[string]map[string]*workflow.Unit
}

// Lookup returns the unit for id in a project, falling back to the global
// definitions.
func (s *Snapshot) Lookup(projectID, id string) (*workflow.Unit, bool) {
	if s == nil {
		return nil, false
	}
	if u, ok := s.units[projectID][id]; ok {
		return u, true
	}
	u, ok := s.units[db.GlobalProjectID][id]
	return u, ok
}

// Units returns the units visible to a project, sorted by id. Project
// units shadow global units with the same id.
func (s *Snapshot) Units(projectID string) []*workflow.Unit {
	if s == nil {
		return nil
	}
	merged := make(map[string]*workflow.Unit)
	for id, u := range s.units[db.GlobalProjectID] {
		merged[id] = u
	}
	for id, u := range s.units[projectID] {
		merged[id] = u
	}
	out := make([]*workflow.Unit, 0, len(merged))
	for _, u := range merged {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of units across all projects.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, m := range s.units {
		n += len(m)
	}
	return n
}

// Entry names one definition in a Diff.
type Entry struct {
	ProjectID string `json:"project_id"`
	ID        string `json:"id"`
}

func (e Entry) String() string {
	if e.ProjectID == db.GlobalProjectID {
		return e.ID
	}
	return e.ProjectID + "/" + e.ID
}

// LoadError is a file that failed to load during a reload.
type LoadError struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Error     string `json:"error"`
}

// Diff summarizes what a reload changed.
type Diff struct {
	New      []Entry     `json:"new"`
	Updated  []Entry     `json:"updated"`
	Archived []Entry     `json:"archived"`
	Errors   []LoadError `json:"errors"`
	Version  int64       `json:"version"`
	Took     string      `json:"took"`
}

// Registry rebuilds and publishes snapshots.
type Registry struct {
	store       *db.EngineDB
	scanner     *scanner.Scanner
	globalDir   string
	workflowDir string
	concurrency int
	recorder    *events.Recorder
	logger      *slog.Logger

	mu      sync.Mutex // serializes Reload
	current atomic.Pointer[Snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

// WithGlobalDir sets the directory of global workflows. Empty disables
// global definitions.
func WithGlobalDir(dir string) Option {
	return func(r *Registry) { r.globalDir = dir }
}

// WithWorkflowsDir sets the workflow directory relative to each project
// root (default .orc/workflows).
func WithWorkflowsDir(dir string) Option {
	return func(r *Registry) {
		if dir != "" {
			r.workflowDir = dir
		}
	}
}

// WithConcurrency bounds concurrent project scans.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRecorder broadcasts a definitions_reloaded event after each reload.
func WithRecorder(rec *events.Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Registry with an empty snapshot.
func New(store *db.EngineDB, sc *scanner.Scanner, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		scanner:     sc,
		workflowDir: loader.WorkflowsDir,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.scanner == nil {
		r.scanner = scanner.New(store, loader.New(loader.WithLogger(r.logger)), r.logger)
	}
	r.current.Store(&Snapshot{units: map[string]map[string]*workflow.Unit{}})
	return r
}

// Snapshot returns the published snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup finds a unit in the published snapshot.
func (r *Registry) Lookup(projectID, id string) (*workflow.Unit, bool) {
	return r.current.Load().Lookup(projectID, id)
}

type scope struct {
	projectID string
	kind      db.Scope
	dir       string
}

func (r *Registry) scopes(ctx context.Context) ([]scope, error) {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	scopes := make([]scope, 0, len(projects)+1)
	if r.globalDir != "" {
		scopes = append(scopes, scope{projectID: db.GlobalProjectID, kind: db.ScopeGlobal, dir: r.globalDir})
	}
	for _, p := range projects {
		scopes = append(scopes, scope{
			projectID: p.ID,
			kind:      db.ScopeProject,
			dir:       filepath.Join(p.Path, r.workflowDir),
		})
	}
	return scopes, nil
}

// Dirs returns the workflow directories a reload scans: the global
// directory first, then one per registered project.
func (r *Registry) Dirs(ctx context.Context) ([]string, error) {
	scopes, err := r.scopes(ctx)
	if err != nil {
		return nil, err
	}
	dirs := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		dirs = append(dirs, sc.dir)
	}
	return dirs, nil
}

// Reload rescans all projects and publishes a new snapshot. Concurrent
// calls run one after another. When any scan fails the previous snapshot
// stays published and the error is returned.
func (r *Registry) Reload(ctx context.Context) (*Diff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := time.Now()

	scopes, err := r.scopes(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]*scanner.Report, len(scopes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, sc := range scopes {
		g.Go(func() error {
			rep, err := r.scanner.Reconcile(gctx, sc.projectID, sc.kind, sc.dir)
			if err != nil {
				return fmt.Errorf("reload %s: %w", sc.dir, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Error("reload failed, keeping previous definitions", "error", err)
		return nil, err
	}

	prev := r.current.Load()
	next := &Snapshot{
		Version:  prev.Version + 1,
		LoadedAt: time.Now(),
		units:    make(map[string]map[string]*workflow.Unit, len(reports)),
	}
	diff := &Diff{Version: next.Version}
	for _, rep := range reports {
		units := make(map[string]*workflow.Unit, len(rep.Units))
		created := make(map[string]bool, len(rep.Created)+len(rep.Reactivated))
		for _, id := range rep.Created {
			created[id] = true
		}
		for _, id := range rep.Reactivated {
			created[id] = true
		}
		for _, u := range rep.Units {
			units[u.ID()] = u
			e := Entry{ProjectID: rep.ProjectID, ID: u.ID()}
			if created[u.ID()] {
				diff.New = append(diff.New, e)
			} else {
				diff.Updated = append(diff.Updated, e)
			}
		}
		next.units[rep.ProjectID] = units

		for _, id := range rep.Archived {
			diff.Archived = append(diff.Archived, Entry{ProjectID: rep.ProjectID, ID: id})
		}
		for _, fe := range rep.Errors {
			diff.Errors = append(diff.Errors, LoadError{ProjectID: rep.ProjectID, Path: fe.Path, Error: fe.Err.Error()})
		}
	}

	r.current.Store(next)
	diff.Took = time.Since(start).Round(time.Millisecond).String()

	r.logger.Info("workflows reloaded",
		"version", next.Version,
		"units", next.Len(),
		"new", len(diff.New),
		"updated", len(diff.Updated),
		"archived", len(diff.Archived),
		"errors", len(diff.Errors))
	if r.recorder != nil {
		r.recorder.Broadcast(events.DefinitionsReloaded(events.ReloadData{
			New:      entryStrings(diff.New),
			Updated:  entryStrings(diff.Updated),
			Archived: entryStrings(diff.Archived),
			Errors:   len(diff.Errors),
		}))
	}
	return diff, nil
}

func entryStrings(entries []Entry) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}
