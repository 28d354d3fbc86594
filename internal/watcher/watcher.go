// Package watcher watches workflow directories and requests a reload when
// workflow source files are created, modified, or deleted.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/randalmurphal/orcflow/internal/workflow"
)

// DefaultDebounceMs is the quiet period before a reload is requested.
const DefaultDebounceMs = 500

// reloadKey is the single debounce key: every change leads to one full
// reload, so changes in different directories coalesce.
const reloadKey = "reload"

// Config configures the file watcher.
type Config struct {
	// Dirs are the workflow directories to watch. Missing directories are
	// picked up when they are created.
	Dirs []string
	// OnChange is called after the quiet period with the changed paths.
	OnChange   func(paths []string)
	Logger     *slog.Logger
	DebounceMs int // Debounce interval in milliseconds (default: 500)
}

// Watcher monitors workflow directories for file changes.
type Watcher struct {
	onChange func(paths []string)
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer

	dirsMu sync.RWMutex
	dirs   map[string]bool

	// Content hashing to detect meaningful changes
	hashes   map[string]string
	hashesMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new file watcher.
func New(cfg *Config) (*Watcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounceMs := cfg.DebounceMs
	if debounceMs <= 0 {
		debounceMs = DefaultDebounceMs
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		onChange:  cfg.OnChange,
		logger:    logger,
		fsWatcher: fsWatcher,
		dirs:      make(map[string]bool),
		hashes:    make(map[string]string),
		done:      make(chan struct{}),
	}
	w.debouncer = NewDebouncer(debounceMs, w.handleDebounced)

	for _, dir := range cfg.Dirs {
		if err := w.AddDir(dir); err != nil {
			_ = fsWatcher.Close()
			return nil, err
		}
	}
	return w, nil
}

// AddDir starts watching a workflow directory. When it does not exist yet
// its parent is watched so its creation is noticed.
func (w *Watcher) AddDir(dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	w.dirsMu.Lock()
	if w.dirs[dir] {
		w.dirsMu.Unlock()
		return nil
	}
	w.dirs[dir] = true
	w.dirsMu.Unlock()

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		parent := filepath.Dir(dir)
		if err := w.fsWatcher.Add(parent); err != nil {
			w.logger.Debug("workflow directory and parent missing, not watched", "dir", dir, "error", err)
			return nil
		}
		w.logger.Debug("workflow directory does not exist, will watch when created", "dir", dir)
		return nil
	}
	w.addWatchRecursive(dir)
	return nil
}

// Start processes events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("file watcher started", "dirs", w.watchedDirs())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopping", "reason", "context cancelled")
			_ = w.Stop()
			return ctx.Err()

		case <-w.done:
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

// Stop shuts the watcher down. Pending changes are dropped.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.debouncer.Stop()
		if cerr := w.fsWatcher.Close(); cerr != nil {
			err = fmt.Errorf("close fsnotify watcher: %w", cerr)
		}
		w.logger.Info("file watcher stopped")
	})
	return err
}

// Done returns a channel that's closed when the watcher stops.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) watchedDirs() []string {
	w.dirsMu.RLock()
	defer w.dirsMu.RUnlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	return out
}

// owningDir returns the watched workflow directory containing path.
func (w *Watcher) owningDir(path string) (string, bool) {
	w.dirsMu.RLock()
	defer w.dirsMu.RUnlock()
	for d := range w.dirs {
		if path == d || strings.HasPrefix(path, d+string(filepath.Separator)) {
			return d, true
		}
	}
	return "", false
}

// addWatchRecursive adds the directory and all subdirectories to the
// watch list and records the hashes of the files already there.
func (w *Watcher) addWatchRecursive(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip paths with errors
		}
		if d.IsDir() {
			if err := w.fsWatcher.Add(path); err != nil {
				w.logger.Debug("failed to watch directory", "path", path, "error", err)
			}
			return nil
		}
		if workflow.IsCandidateFile(path) {
			_, _ = w.hasContentChanged(path)
		}
		return nil
	})
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name
	dir, ok := w.owningDir(path)
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			// A new (or newly created workflow) directory may already hold
			// files written before the watch was added.
			w.logger.Debug("new directory detected, adding watch", "path", path)
			w.addWatchRecursive(path)
			if path == dir {
				w.debouncer.Trigger(reloadKey, path)
			}
			return
		}
	}

	if !workflow.IsCandidateFile(path) {
		return
	}
	w.logger.Debug("workflow fs event", "op", event.Op.String(), "path", path)

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.removeHash(path)
		w.debouncer.Trigger(reloadKey, path)
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		w.debouncer.Trigger(reloadKey, path)
	}
}

// handleDebounced filters out writes that did not change content and
// reports the rest.
func (w *Watcher) handleDebounced(_ string, paths []string) {
	changed := make([]string, 0, len(paths))
	for _, p := range paths {
		ok, err := w.hasContentChanged(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			changed = append(changed, p)
		case err != nil:
			w.logger.Debug("failed to check content change", "path", p, "error", err)
			changed = append(changed, p)
		case ok:
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		w.logger.Debug("content unchanged, skipping reload", "paths", paths)
		return
	}
	w.logger.Info("workflow files changed", "paths", changed)
	w.onChange(changed)
}

// hasContentChanged hashes path and reports whether the hash differs from
// the last one seen.
func (w *Watcher) hasContentChanged(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		w.removeHash(path)
		return false, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	w.hashesMu.Lock()
	defer w.hashesMu.Unlock()
	if w.hashes[path] == sum {
		return false, nil
	}
	w.hashes[path] = sum
	return true, nil
}

func (w *Watcher) removeHash(path string) {
	w.hashesMu.Lock()
	defer w.hashesMu.Unlock()
	delete(w.hashes, path)
}
