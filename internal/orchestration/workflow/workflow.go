// Package workflow implements the coordinator's workflow runtime: the phase
// state machine with retry, pause/resume, cancellation, and resumable state,
// plus the built-in workflow types (planning, revision, task implementation,
// error resolution, context gathering).
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/runner"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/paths"
)

// ID is a unique workflow identifier.
type ID string

// NewID generates a workflow id with the "wf-" prefix.
func NewID() ID {
	return ID("wf-" + uuid.NewString())
}

// IsValid reports whether the id carries the expected prefix and a UUID.
func (id ID) IsValid() bool {
	if len(id) < 4 || id[:3] != "wf-" {
		return false
	}
	_, err := uuid.Parse(string(id[3:]))
	return err == nil
}

func (id ID) String() string { return string(id) }

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed status transitions.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusBlocked:   {StatusRunning, StatusPaused, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage names the agent invocation kinds. `apc agent complete --stage`
// accepts exactly these values.
const (
	StageContext       = "context"
	StageDeltaContext  = "delta_context"
	StageImplement     = "implementation"
	StageReview        = "review"
	StageAnalysis      = "analysis"
	StageErrorAnalysis = "error_analysis"
	StageFinalize      = "finalize"
	StagePlanning      = "planning"
)

// Stages lists every valid stage value.
var Stages = []string{
	StageContext, StageDeltaContext, StageImplement, StageReview,
	StageAnalysis, StageErrorAnalysis, StageFinalize, StagePlanning,
}

// ValidStage reports whether s names a known stage.
func ValidStage(s string) bool {
	for _, stage := range Stages {
		if stage == s {
			return true
		}
	}
	return false
}

// Phase is one step of a workflow's phase list.
type Phase struct {
	Name    string
	Stage   string
	Timeout time.Duration
}

// Input carries a workflow's creation parameters. It must round-trip through
// JSON so workflows can be reconstructed after a restart.
type Input map[string]any

// String returns the string value for key, or "".
func (in Input) String(key string) string {
	s, _ := in[key].(string)
	return s
}

// StringSlice returns a []string for key, tolerating []any from JSON.
func (in Input) StringSlice(key string) []string {
	switch v := in[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Definition is a workflow type's behavior: its phase list and per-phase
// execution. Definitions hold per-instance state (loop counters, allocated
// outputs) and are not reused across runs.
type Definition interface {
	// Type returns the workflow type name, e.g. "task_implementation".
	Type() string
	// Priority orders dispatch; lower values win.
	Priority() int
	// Phases returns the ordered phase list. Called once at start and again
	// after resume; the list must be stable for a given input.
	Phases() []Phase
	// Execute runs one phase. It is retried per the runtime's retry policy
	// when it fails transiently. Phase code must be safe to re-run from the
	// top after a pause or retry.
	Execute(ctx context.Context, rt *Runtime, phase Phase) error
}

// Services are the shared components a runtime operates against.
type Services struct {
	Pool      *pool.Pool
	Tasks     *task.Registry
	Occupancy *task.OccupancyTable
	Conflicts *task.ConflictTable
	Signals   *signalbus.Bus
	Runner    runner.Runner
	Events    *events.Bus
	Layout    paths.Layout
}

// Validate checks that the required services are present.
func (s Services) Validate() error {
	switch {
	case s.Pool == nil:
		return fmt.Errorf("services: pool is required")
	case s.Signals == nil:
		return fmt.Errorf("services: signal bus is required")
	case s.Runner == nil:
		return fmt.Errorf("services: runner is required")
	case s.Occupancy == nil:
		return fmt.Errorf("services: occupancy table is required")
	case s.Conflicts == nil:
		return fmt.Errorf("services: conflict table is required")
	case s.Tasks == nil:
		return fmt.Errorf("services: task registry is required")
	}
	return nil
}

// Result is a workflow's terminal outcome.
type Result struct {
	Status Status
	Output map[string]any
	Reason string
	Err    error
}
