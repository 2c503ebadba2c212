// Package watcher reports changes under session working directories.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"qchat-relay/internal/clock"
)

const defaultDebounce = 500 * time.Millisecond

// excludedDirs are never watched.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// ChangeFunc is called once per quiet period with the paths that changed
// during it, sorted.
type ChangeFunc func(key, root string, paths []string)

// Watcher monitors working directories for file changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*dirWatcher
	debounce time.Duration
	clock    clock.Clock
	callback ChangeFunc
	logger   *slog.Logger
}

type dirWatcher struct {
	key       string
	root      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	timer   *clock.Timer
	changed map[string]bool
}

// New creates a watcher. A zero debounce uses the default.
func New(debounce time.Duration, clk clock.Clock, logger *slog.Logger, callback ChangeFunc) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*dirWatcher),
		debounce: debounce,
		clock:    clk,
		callback: callback,
		logger:   logger,
	}
}

// Watch starts watching root for key, replacing any earlier watch.
func (w *Watcher) Watch(key, root string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dw := &dirWatcher{
		key:       key,
		root:      root,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		changed:   make(map[string]bool),
	}

	if err := addDirsRecursive(fsW, root); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	prev := w.watchers[key]
	w.watchers[key] = dw
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	go w.watchLoop(dw)
	return nil
}

// Unwatch stops watching for key.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	dw, ok := w.watchers[key]
	if ok {
		delete(w.watchers, key)
	}
	w.mu.Unlock()

	if ok {
		dw.stop()
	}
}

// Watching reports whether key has an active watch.
func (w *Watcher) Watching(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[key]
	return ok
}

func (dw *dirWatcher) stop() {
	close(dw.cancel)
	dw.fsWatcher.Close()
	dw.mu.Lock()
	if dw.timer != nil {
		dw.timer.Stop()
		dw.timer = nil
	}
	dw.mu.Unlock()
}

// watchLoop collects fsnotify events and reports them after a quiet period.
func (w *Watcher) watchLoop(dw *dirWatcher) {
	for {
		select {
		case <-dw.cancel:
			return

		case event, ok := <-dw.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(dw, event)

		case err, ok := <-dw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "key", dw.key, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(dw *dirWatcher, event fsnotify.Event) {
	base := filepath.Base(event.Name)

	// New directories are watched too.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !excludedDirs[base] && !isHidden(base) {
				addDirsRecursive(dw.fsWatcher, event.Name)
			}
		}
	}
	if isHidden(base) {
		return
	}

	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.changed[event.Name] = true
	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.timer = w.clock.AfterFunc(w.debounce, func() { w.report(dw) })
}

func (w *Watcher) report(dw *dirWatcher) {
	select {
	case <-dw.cancel:
		return
	default:
	}

	dw.mu.Lock()
	paths := make([]string, 0, len(dw.changed))
	for p := range dw.changed {
		paths = append(paths, p)
	}
	dw.changed = make(map[string]bool)
	dw.timer = nil
	dw.mu.Unlock()

	if len(paths) == 0 || w.callback == nil {
		return
	}
	sort.Strings(paths)
	w.callback(dw.key, dw.root, paths)
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watchers))
	for k := range w.watchers {
		keys = append(keys, k)
	}
	w.mu.Unlock()

	for _, k := range keys {
		w.Unwatch(k)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify
// watcher, skipping excluded and hidden ones.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
