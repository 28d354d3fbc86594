// Package loader turns workflow source files into executable units.
//
// Every Load call re-reads and re-evaluates every candidate file, so edits
// on disk are picked up without restarting the process. The loader reports
// per-file failures in its result and never archives anything itself.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/randalmurphal/orcflow/internal/workflow"
)

// WorkflowsDir is the workflow source directory relative to a project root.
const WorkflowsDir = ".orc/workflows"

// DefaultGlobs match the workflow source files under the workflows dir.
var DefaultGlobs = []string{"**/*.{go,yaml,yml}"}

// ErrDuplicateIdentifier is returned for a file whose id was already
// loaded from another file in the same directory tree.
var ErrDuplicateIdentifier = errors.New("duplicate workflow id")

// FileError is a file that could not be turned into a unit.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// Result is the outcome of one Load call. Units and Errors are ordered by
// source path.
type Result struct {
	Dir    string
	Units  []*workflow.Unit
	Errors []FileError
}

// Unit returns the unit with the given id, or nil.
func (r *Result) Unit(id string) *workflow.Unit {
	for _, u := range r.Units {
		if u.ID() == id {
			return u
		}
	}
	return nil
}

// ErrorFor returns the load error for a source path, or nil.
func (r *Result) ErrorFor(path string) error {
	for _, e := range r.Errors {
		if e.Path == path {
			return e.Err
		}
	}
	return nil
}

// Loader discovers and evaluates workflow files.
type Loader struct {
	globs  []string
	logger *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithGlobs overrides the discovery globs (relative to the workflows dir).
func WithGlobs(globs ...string) Option {
	return func(l *Loader) {
		if len(globs) > 0 {
			l.globs = globs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{
		globs:  DefaultGlobs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load evaluates the workflows of the project rooted at projectPath.
func (l *Loader) Load(ctx context.Context, projectPath string) (*Result, error) {
	return l.LoadDir(ctx, filepath.Join(projectPath, WorkflowsDir))
}

// LoadDir evaluates every candidate file under dir. Go files resolve
// non-stdlib imports from the "gopath" directory next to dir.
// A missing dir yields an empty result.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Result, error) {
	res := &Result{Dir: dir}
	paths, err := l.Discover(dir)
	if err != nil {
		return nil, err
	}
	gopath := filepath.Join(filepath.Dir(dir), "gopath")

	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unit, err := l.evaluate(path, gopath)
		if err != nil {
			l.logger.Warn("workflow file failed to load", "path", path, "error", err)
			res.Errors = append(res.Errors, FileError{Path: path, Err: err})
			continue
		}
		if first, ok := seen[unit.ID()]; ok {
			res.Errors = append(res.Errors, FileError{
				Path: path,
				Err:  fmt.Errorf("%w %q: already defined in %s", ErrDuplicateIdentifier, unit.ID(), first),
			})
			continue
		}
		seen[unit.ID()] = path
		l.logger.Debug("workflow loaded", "id", unit.ID(), "path", path, "kind", unit.Kind)
		res.Units = append(res.Units, unit)
	}
	return res, nil
}

// Discover returns the absolute paths of the candidate files under dir,
// sorted.
func (l *Loader) Discover(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat workflows dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workflows path %s is not a directory", dir)
	}

	fsys := os.DirFS(dir)
	found := make(map[string]bool)
	for _, pattern := range l.globs {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if workflow.IsCandidateFile(m) {
				found[filepath.Join(dir, filepath.FromSlash(m))] = true
			}
		}
	}

	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *Loader) evaluate(path, gopath string) (*workflow.Unit, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	hash := contentHash(src)

	var unit *workflow.Unit
	switch workflow.KindForPath(path) {
	case workflow.SourceYAML:
		doc, err := workflow.ParseDocument(src)
		if err != nil {
			return nil, err
		}
		unit = doc.Unit(path, hash)
	case workflow.SourceGo:
		unit, err = evalGo(path, src, gopath)
		if err != nil {
			return nil, err
		}
		unit.ContentHash = hash
	default:
		return nil, fmt.Errorf("unsupported workflow file type %q", filepath.Ext(path))
	}

	if err := unit.Validate(); err != nil {
		return nil, err
	}
	return unit, nil
}

func contentHash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}
