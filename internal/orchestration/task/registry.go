package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

// ErrTaskNotFound is returned for lookups of unregistered task ids.
var ErrTaskNotFound = errors.New("task not found")

// Registry holds the parsed tasks of all active sessions.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	bySession map[string][]string
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:     make(map[string]*Task),
		bySession: make(map[string][]string),
	}
}

// LoadPlan parses the plan file and replaces the session's task set.
// Statuses of tasks that survive the reload are preserved unless the new
// plan marks them completed.
func (r *Registry) LoadPlan(sessionID, planPath string) ([]*Task, error) {
	parsed, err := ParsePlanFile(sessionID, planPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := make(map[string]*Task)
	for _, id := range r.bySession[sessionID] {
		previous[id] = r.tasks[id]
		delete(r.tasks, id)
	}
	r.bySession[sessionID] = nil

	now := time.Now()
	for _, t := range parsed {
		if old, ok := previous[t.ID]; ok && t.Status == StatusPending {
			t.Status = old.Status
			t.Reason = old.Reason
			t.Deferred = old.Deferred
		}
		t.UpdatedAt = now
		r.tasks[t.ID] = t
		r.bySession[sessionID] = append(r.bySession[sessionID], t.ID)
	}

	log.Info(log.CatTask, "plan loaded", "session", sessionID, "tasks", len(parsed))
	return parsed, nil
}

// RemoveSession drops all tasks belonging to a session.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.bySession[sessionID] {
		delete(r.tasks, id)
	}
	delete(r.bySession, sessionID)
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *t, nil
}

// List returns copies of a session's tasks in plan order.
func (r *Registry) List(sessionID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.bySession[sessionID]))
	for _, id := range r.bySession[sessionID] {
		out = append(out, *r.tasks[id])
	}
	return out
}

// Ready returns the session's tasks whose dependencies have all completed,
// excluding deferred tasks, in plan order.
func (r *Registry) Ready(sessionID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lookup := func(id string) (Status, bool) {
		t, ok := r.tasks[id]
		if !ok {
			return "", false
		}
		return t.Status, true
	}

	var ready []Task
	for _, id := range r.bySession[sessionID] {
		if t := r.tasks[id]; t.Ready(lookup) {
			ready = append(ready, *t)
		}
	}
	return ready
}

// AllDone reports whether every non-deferred task in the session is terminal
// (completed or failed).
func (r *Registry) AllDone(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.bySession[sessionID] {
		t := r.tasks[id]
		if t.Deferred {
			continue
		}
		if t.Status != StatusCompleted && t.Status != StatusFailed {
			return false
		}
	}
	return true
}

// SetStatus updates a task's status with an optional reason.
func (r *Registry) SetStatus(id string, status Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Status = status
	t.Reason = reason
	t.UpdatedAt = time.Now()
	log.Debug(log.CatTask, "task status", "task", id, "status", string(status), "reason", reason)
	return nil
}

// SetDeferred flags or unflags a task as deferred. Deferred tasks are never
// reported ready and do not block session completion.
func (r *Registry) SetDeferred(id string, deferred bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Deferred = deferred
	t.Reason = reason
	t.UpdatedAt = time.Now()
	return nil
}

// Sessions lists session ids with registered tasks, sorted.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySession))
	for id := range r.bySession {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
