package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// changeRecorder captures change callbacks for testing (thread-safe).
type changeRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *changeRecorder) record(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, paths)
}

func (r *changeRecorder) get() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([][]string, len(r.calls))
	copy(result, r.calls)
	return result
}

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("requires config", func(t *testing.T) {
		_, err := New(nil)
		assert.Error(t, err)
	})

	t.Run("requires callback", func(t *testing.T) {
		_, err := New(&Config{Dirs: []string{t.TempDir()}})
		assert.Error(t, err)
	})

	t.Run("accepts missing directories", func(t *testing.T) {
		w, err := New(&Config{
			Dirs:     []string{filepath.Join(t.TempDir(), "nope", "workflows")},
			OnChange: func([]string) {},
		})
		require.NoError(t, err)
		require.NoError(t, w.Stop())
		require.NoError(t, w.Stop(), "second stop is a no-op")
	})
}

func TestDebouncer(t *testing.T) {
	t.Parallel()

	t.Run("coalesces rapid events", func(t *testing.T) {
		var mu sync.Mutex
		var got [][]string
		d := NewDebouncer(50, func(_ string, paths []string) {
			mu.Lock()
			got = append(got, paths)
			mu.Unlock()
		})
		defer d.Stop()

		d.Trigger("reload", "/w/b.yaml")
		d.Trigger("reload", "/w/a.yaml")
		d.Trigger("reload", "/w/b.yaml")
		assert.Equal(t, 1, d.PendingCount())

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, time.Second, 10*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []string{"/w/a.yaml", "/w/b.yaml"}, got[0])
		mu.Unlock()
		assert.Equal(t, 0, d.PendingCount())
	})

	t.Run("stop drops pending events", func(t *testing.T) {
		fired := make(chan struct{}, 1)
		d := NewDebouncer(20, func(string, []string) { fired <- struct{}{} })
		d.Trigger("reload", "/w/a.yaml")
		d.Stop()
		d.Trigger("reload", "/w/b.yaml")

		select {
		case <-fired:
			t.Fatal("callback fired after stop")
		case <-time.After(100 * time.Millisecond):
		}
		assert.Equal(t, 0, d.PendingCount())
	})
}

func TestWatcher_Integration(t *testing.T) {
	t.Parallel()
	root := tempDir(t)
	dir := filepath.Join(root, ".orc", "workflows")
	require.NoError(t, os.MkdirAll(dir, 0755))
	existing := filepath.Join(dir, "existing.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("id: existing\n"), 0644))

	rec := &changeRecorder{}
	w, err := New(&Config{Dirs: []string{dir}, OnChange: rec.record, DebounceMs: 50})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)

	created := filepath.Join(dir, "deploy.yaml")
	require.NoError(t, os.WriteFile(created, []byte("id: deploy\n"), 0644))
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{created}, rec.get()[0])

	// Rewriting identical content is not a change.
	require.NoError(t, os.WriteFile(existing, []byte("id: existing\n"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.get(), 1)

	// Non-workflow files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.get(), 1)

	require.NoError(t, os.Remove(existing))
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{existing}, rec.get()[1])

	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_DirectoryCreatedLater(t *testing.T) {
	t.Parallel()
	root := tempDir(t)
	orcDir := filepath.Join(root, ".orc")
	require.NoError(t, os.MkdirAll(orcDir, 0755))
	dir := filepath.Join(orcDir, "workflows")

	rec := &changeRecorder{}
	w, err := New(&Config{Dirs: []string{dir}, OnChange: rec.record, DebounceMs: 50})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.MkdirAll(dir, 0755))
	require.Eventually(t, func() bool { return len(rec.get()) >= 1 }, 2*time.Second, 20*time.Millisecond)

	wf := filepath.Join(dir, "late.yaml")
	require.NoError(t, os.WriteFile(wf, []byte("id: late\n"), 0644))
	require.Eventually(t, func() bool {
		for _, call := range rec.get() {
			for _, p := range call {
				if p == wf {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
