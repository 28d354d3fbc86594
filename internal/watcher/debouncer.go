package watcher

import (
	"sort"
	"sync"
	"time"
)

// debounceEntry tracks a pending debounced key and the paths that touched
// it during the quiet period.
type debounceEntry struct {
	timer *time.Timer
	paths map[string]struct{}
}

// Debouncer coalesces rapid file change events.
// It waits for a quiet period before firing the callback once per key.
type Debouncer struct {
	mu       sync.Mutex
	pending  map[string]*debounceEntry
	interval time.Duration
	callback func(key string, paths []string)
	stopped  bool
}

// NewDebouncer creates a debouncer with the given interval in milliseconds.
func NewDebouncer(intervalMs int, callback func(key string, paths []string)) *Debouncer {
	return &Debouncer{
		pending:  make(map[string]*debounceEntry),
		interval: time.Duration(intervalMs) * time.Millisecond,
		callback: callback,
	}
}

// Trigger registers a change to path under key. If the key is already
// pending its timer restarts.
func (d *Debouncer) Trigger(key, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if entry, exists := d.pending[key]; exists {
		entry.timer.Stop()
		entry.paths[path] = struct{}{}
		entry.timer = time.AfterFunc(d.interval, func() {
			d.fire(key)
		})
		return
	}

	d.pending[key] = &debounceEntry{
		paths: map[string]struct{}{path: {}},
		timer: time.AfterFunc(d.interval, func() {
			d.fire(key)
		}),
	}
}

// fire executes the callback for a debounced key.
func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	entry, exists := d.pending[key]
	if !exists || d.stopped {
		d.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(entry.paths))
	for p := range entry.paths {
		paths = append(paths, p)
	}
	delete(d.pending, key)
	d.mu.Unlock()

	sort.Strings(paths)
	// Call the callback outside the lock
	d.callback(key, paths)
}

// Stop cancels all pending timers and prevents new events.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}

// PendingCount returns the number of pending debounced keys.
// Useful for testing.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
