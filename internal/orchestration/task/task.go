// Package task tracks the execution plan's task graph: parsed tasks and
// their dependency edges, which workflow occupies which task, and declared
// cross-workflow conflicts.
package task

import "time"

// Status is a task's execution state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one entry in a session's execution plan.
type Task struct {
	ID          string   `json:"id"`
	SessionID   string   `json:"session_id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Files       []string `json:"files,omitempty"`
	Pipeline    string   `json:"pipeline,omitempty"`
	Status      Status   `json:"status"`
	Reason      string   `json:"reason,omitempty"`
	Deferred    bool     `json:"deferred,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ready reports whether the task can be picked up, given a lookup of the
// statuses of its dependencies. A task is ready when it is pending, not
// deferred, and every dependency has completed.
func (t *Task) Ready(depStatus func(id string) (Status, bool)) bool {
	if t.Status != StatusPending || t.Deferred {
		return false
	}
	for _, dep := range t.DependsOn {
		st, ok := depStatus(dep)
		if !ok || st != StatusCompleted {
			return false
		}
	}
	return true
}
