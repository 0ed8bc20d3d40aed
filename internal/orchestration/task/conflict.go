package task

import (
	"sync"
	"time"
)

// Resolution tells the reconciliation loop how to treat an overlap between a
// conflict declaration and another workflow's occupancy.
type Resolution string

const (
	// ResolutionPauseOthers pauses the occupying workflows until the
	// declarer finishes.
	ResolutionPauseOthers Resolution = "pause_others"
	// ResolutionWaitForOthers blocks the declarer until the tasks free up.
	ResolutionWaitForOthers Resolution = "wait_for_others"
	// ResolutionAbortIfOccupied cancels the declarer when any declared task
	// is occupied.
	ResolutionAbortIfOccupied Resolution = "abort_if_occupied"
)

// Wildcard matches every task in the declarer's session.
const Wildcard = "*"

// Declaration is one workflow's standing conflict claim.
type Declaration struct {
	WorkflowID string     `json:"workflow_id"`
	SessionID  string     `json:"session_id"`
	TaskIDs    []string   `json:"task_ids"` // may be [Wildcard]
	Resolution Resolution `json:"resolution"`
	Reason     string     `json:"reason,omitempty"`
	DeclaredAt time.Time  `json:"declared_at"`
}

// Covers reports whether the declaration claims the given task.
func (d Declaration) Covers(taskID string) bool {
	for _, id := range d.TaskIDs {
		if id == Wildcard || id == taskID {
			return true
		}
	}
	return false
}

// ConflictTable holds standing conflict declarations. It records claims
// only; enforcement happens in the coordinator's reconciliation loop.
type ConflictTable struct {
	mu         sync.RWMutex
	byWorkflow map[string]Declaration
}

// NewConflictTable creates an empty conflict table.
func NewConflictTable() *ConflictTable {
	return &ConflictTable{byWorkflow: make(map[string]Declaration)}
}

// Declare replaces the workflow's standing declaration.
func (c *ConflictTable) Declare(d Declaration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d.DeclaredAt = time.Now()
	c.byWorkflow[d.WorkflowID] = d
}

// Clear removes the workflow's declaration.
func (c *ConflictTable) Clear(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byWorkflow, workflowID)
}

// Get returns the workflow's declaration, if any.
func (c *ConflictTable) Get(workflowID string) (Declaration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byWorkflow[workflowID]
	return d, ok
}

// All returns every standing declaration.
func (c *ConflictTable) All() []Declaration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Declaration, 0, len(c.byWorkflow))
	for _, d := range c.byWorkflow {
		out = append(out, d)
	}
	return out
}
