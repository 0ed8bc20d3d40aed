package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

// Mode describes how a workflow occupies a task.
type Mode string

const (
	// ModeExclusive blocks any other occupant of the task.
	ModeExclusive Mode = "exclusive"
	// ModeShared coexists with other shared occupants.
	ModeShared Mode = "shared"
)

// ErrOccupancyConflict is wrapped by ConflictError for errors.Is checks.
var ErrOccupancyConflict = errors.New("occupancy conflict")

// ConflictError reports the holder that blocked an occupancy declaration.
type ConflictError struct {
	TaskID     string
	Holder     string // workflow id of the existing occupant
	HolderMode Mode
	Requested  Mode
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("occupancy conflict on %s: held %s by %s, requested %s",
		e.TaskID, e.HolderMode, e.Holder, e.Requested)
}

func (e *ConflictError) Unwrap() error { return ErrOccupancyConflict }

// Occupancy is one workflow's hold on one task.
type Occupancy struct {
	TaskID     string    `json:"task_id"`
	WorkflowID string    `json:"workflow_id"`
	Mode       Mode      `json:"mode"`
	Reason     string    `json:"reason,omitempty"`
	DeclaredAt time.Time `json:"declared_at"`
}

// OccupancyTable tracks which workflow holds which tasks. Declarations are
// atomic: a multi-task declaration either fully applies or fully fails.
type OccupancyTable struct {
	mu     sync.RWMutex
	byTask map[string][]Occupancy
}

// NewOccupancyTable creates an empty occupancy table.
func NewOccupancyTable() *OccupancyTable {
	return &OccupancyTable{byTask: make(map[string][]Occupancy)}
}

// Declare records workflowID occupying each task in taskIDs with the given
// mode. An exclusive declaration fails if any task has any occupant; a
// shared declaration fails if any task has an exclusive occupant. On failure
// nothing is recorded and the returned error wraps ErrOccupancyConflict.
func (o *OccupancyTable) Declare(workflowID string, taskIDs []string, mode Mode, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, taskID := range taskIDs {
		for _, occ := range o.byTask[taskID] {
			if occ.WorkflowID == workflowID {
				continue
			}
			if mode == ModeExclusive || occ.Mode == ModeExclusive {
				return &ConflictError{
					TaskID:     taskID,
					Holder:     occ.WorkflowID,
					HolderMode: occ.Mode,
					Requested:  mode,
				}
			}
		}
	}

	now := time.Now()
	for _, taskID := range taskIDs {
		if o.holdsLocked(workflowID, taskID) {
			continue
		}
		o.byTask[taskID] = append(o.byTask[taskID], Occupancy{
			TaskID:     taskID,
			WorkflowID: workflowID,
			Mode:       mode,
			Reason:     reason,
			DeclaredAt: now,
		})
	}
	log.Debug(log.CatTask, "occupancy declared",
		"workflow", workflowID, "mode", string(mode), "tasks", len(taskIDs))
	return nil
}

// Release drops workflowID's hold on the given tasks. Unknown holds are
// ignored.
func (o *OccupancyTable) Release(workflowID string, taskIDs ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, taskID := range taskIDs {
		o.releaseLocked(workflowID, taskID)
	}
}

// ReleaseAll drops every hold owned by workflowID and returns the task ids
// that were released.
func (o *OccupancyTable) ReleaseAll(workflowID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var released []string
	for taskID, occs := range o.byTask {
		for _, occ := range occs {
			if occ.WorkflowID == workflowID {
				released = append(released, taskID)
				break
			}
		}
	}
	for _, taskID := range released {
		o.releaseLocked(workflowID, taskID)
	}
	sort.Strings(released)
	return released
}

// Occupants returns the holds on a task.
func (o *OccupancyTable) Occupants(taskID string) []Occupancy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Occupancy, len(o.byTask[taskID]))
	copy(out, o.byTask[taskID])
	return out
}

// HeldBy returns the task ids workflowID currently occupies, sorted.
func (o *OccupancyTable) HeldBy(workflowID string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var held []string
	for taskID, occs := range o.byTask {
		for _, occ := range occs {
			if occ.WorkflowID == workflowID {
				held = append(held, taskID)
				break
			}
		}
	}
	sort.Strings(held)
	return held
}

func (o *OccupancyTable) holdsLocked(workflowID, taskID string) bool {
	for _, occ := range o.byTask[taskID] {
		if occ.WorkflowID == workflowID {
			return true
		}
	}
	return false
}

func (o *OccupancyTable) releaseLocked(workflowID, taskID string) {
	occs := o.byTask[taskID]
	for i, occ := range occs {
		if occ.WorkflowID == workflowID {
			occs = append(occs[:i], occs[i+1:]...)
			break
		}
	}
	if len(occs) == 0 {
		delete(o.byTask, taskID)
		return
	}
	o.byTask[taskID] = occs
}
