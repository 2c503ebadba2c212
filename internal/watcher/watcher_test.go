package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type changeRecorder struct {
	mu    sync.Mutex
	calls [][]string
	keys  []string
}

func (r *changeRecorder) record(key, root string, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.calls = append(r.calls, paths)
}

func (r *changeRecorder) snapshot() ([]string, [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...), append([][]string(nil), r.calls...)
}

func newTestWatcher(rec *changeRecorder) *Watcher {
	return New(50*time.Millisecond, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), rec.record)
}

func waitForCalls(t *testing.T, rec *changeRecorder, n int) ([]string, [][]string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		keys, calls := rec.snapshot()
		if len(calls) >= n {
			return keys, calls
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d change reports", n)
	return nil, nil
}

func TestWatcher_ReportsDebouncedChanges(t *testing.T) {
	dir := t.TempDir()
	rec := &changeRecorder{}
	w := newTestWatcher(rec)
	defer w.Shutdown()

	if err := w.Watch("c1:s1", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644)

	keys, calls := waitForCalls(t, rec, 1)
	if keys[0] != "c1:s1" {
		t.Errorf("expected key c1:s1, got %s", keys[0])
	}
	found := map[string]bool{}
	for _, p := range calls[0] {
		found[filepath.Base(p)] = true
	}
	if !found["a.txt"] || !found["b.txt"] {
		t.Errorf("expected both files in one report, got %v", calls[0])
	}
}

func TestWatcher_IgnoresHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &changeRecorder{}
	w := newTestWatcher(rec)
	defer w.Shutdown()

	if err := w.Watch("k", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0644)
	time.Sleep(200 * time.Millisecond)

	if _, calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected no reports for hidden files, got %v", calls)
	}
}

func TestWatcher_WatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	rec := &changeRecorder{}
	w := newTestWatcher(rec)
	defer w.Shutdown()

	if err := w.Watch("k", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	sub := filepath.Join(dir, "sub")
	os.MkdirAll(sub, 0755)
	waitForCalls(t, rec, 1)

	os.WriteFile(filepath.Join(sub, "deep.txt"), []byte("x"), 0644)
	_, calls := waitForCalls(t, rec, 2)
	last := calls[len(calls)-1]
	if len(last) == 0 || filepath.Base(last[len(last)-1]) != "deep.txt" {
		t.Errorf("expected deep.txt reported, got %v", last)
	}
}

func TestWatcher_UnwatchStopsReports(t *testing.T) {
	dir := t.TempDir()
	rec := &changeRecorder{}
	w := newTestWatcher(rec)

	if err := w.Watch("k", dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if !w.Watching("k") {
		t.Fatal("expected key to be watched")
	}
	w.Unwatch("k")
	if w.Watching("k") {
		t.Fatal("expected key to be unwatched")
	}

	os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0644)
	time.Sleep(200 * time.Millisecond)
	if _, calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected no reports after Unwatch, got %v", calls)
	}

	// Unwatching twice must not panic.
	w.Unwatch("k")
}
