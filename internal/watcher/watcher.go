// Package watcher monitors active plan files for out-of-band edits. A user
// tweaking plan.md in their editor should be picked up by the task registry
// without a daemon restart; a plan that no longer parses should surface as an
// error event, not silently diverge from the running tasks.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

// DefaultDebounce coalesces editor write bursts into one notification.
const DefaultDebounce = time.Second

// ChangeFunc is called after the debounce window when a watched plan file
// was written. It runs on the watcher goroutine.
type ChangeFunc func(sessionID, planPath string)

type watched struct {
	sessionID string
	planPath  string
	timer     *time.Timer
}

// PlanWatcher tracks one plan file per session and reports debounced writes.
type PlanWatcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onChange ChangeFunc

	mu sync.Mutex
	// byDir maps a watched directory to the plans inside it. fsnotify watches
	// directories so editors that replace-by-rename still register.
	byDir  map[string]map[string]*watched
	closed bool

	done chan struct{}
}

// New creates a plan watcher. A non-positive debounce selects the default.
func New(debounce time.Duration, onChange ChangeFunc) (*PlanWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("watcher: onChange is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &PlanWatcher{
		fsw:      fsw,
		debounce: debounce,
		onChange: onChange,
		byDir:    make(map[string]map[string]*watched),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch starts tracking a session's plan file. Watching the same session
// again replaces the previous path.
func (w *PlanWatcher) Watch(sessionID, planPath string) error {
	dir := filepath.Dir(planPath)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher closed")
	}

	w.unwatchLocked(sessionID)
	if _, ok := w.byDir[dir]; !ok {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		w.byDir[dir] = make(map[string]*watched)
	}
	w.byDir[dir][sessionID] = &watched{sessionID: sessionID, planPath: planPath}
	log.Debug(log.CatTask, "plan watch added", "session", sessionID, "path", planPath)
	return nil
}

// Unwatch stops tracking a session's plan.
func (w *PlanWatcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(sessionID)
}

func (w *PlanWatcher) unwatchLocked(sessionID string) {
	for dir, plans := range w.byDir {
		entry, ok := plans[sessionID]
		if !ok {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(plans, sessionID)
		if len(plans) == 0 {
			delete(w.byDir, dir)
			_ = w.fsw.Remove(dir)
		}
	}
}

// Close stops the watcher and releases resources.
func (w *PlanWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, plans := range w.byDir {
		for _, entry := range plans {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
	}
	w.mu.Unlock()

	close(w.done)
	return w.fsw.Close()
}

func (w *PlanWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatTask, "plan watcher error", "err", err)

		case <-w.done:
			return
		}
	}
}

// schedule (re)starts the debounce timer for the plan matching the written
// path, if it is one we track.
func (w *PlanWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	plans, ok := w.byDir[filepath.Dir(path)]
	if !ok {
		return
	}
	for _, entry := range plans {
		if entry.planPath != path {
			continue
		}
		e := entry
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timer = time.AfterFunc(w.debounce, func() {
			w.fire(e.sessionID, e.planPath)
		})
	}
}

func (w *PlanWatcher) fire(sessionID, planPath string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	// The session may have been unwatched while the timer was pending.
	plans, ok := w.byDir[filepath.Dir(planPath)]
	if ok {
		_, ok = plans[sessionID]
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	log.Debug(log.CatTask, "plan changed on disk", "session", sessionID, "path", planPath)
	w.onChange(sessionID, planPath)
}
