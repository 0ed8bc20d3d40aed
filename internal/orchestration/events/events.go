// Package events provides the coordinator's synchronous event bus and the
// typed events that cross component boundaries: session updates, workflow
// progress and completion, agent allocation, and surfaced errors.
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// SessionUpdated is emitted when a session's status or plan changes.
	SessionUpdated Type = "session.updated"
	// WorkflowProgress is emitted at workflow phase boundaries and on
	// retry/pause/resume transitions.
	WorkflowProgress Type = "workflow.progress"
	// WorkflowComplete is emitted when a workflow reaches a terminal status.
	WorkflowComplete Type = "workflow.complete"
	// AgentAllocated is emitted when the pool assigns an agent to a workflow.
	AgentAllocated Type = "agent.allocated"
	// AgentReleased is emitted when an agent returns to the pool.
	AgentReleased Type = "agent.released"
	// Error is emitted for surfaced failures that subscribers should see.
	Error Type = "error"
)

// Event is the envelope delivered to subscribers. SessionID and WorkflowID
// are set when the event concerns a session or workflow; Payload carries the
// type-specific data below.
type Event struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// SessionPayload describes a session status change.
type SessionPayload struct {
	Status   string `json:"status"`
	PlanPath string `json:"plan_path,omitempty"`
}

// ProgressPayload describes forward movement inside a workflow. Percentage
// is the phase index over the phase count, as a fraction of one.
type ProgressPayload struct {
	WorkflowType string  `json:"workflow_type"`
	Phase        string  `json:"phase"`
	PhaseIndex   int     `json:"phase_index"`
	PhaseCount   int     `json:"phase_count"`
	Percentage   float64 `json:"percentage"`
	Status       string  `json:"status"`
	Message      string  `json:"message,omitempty"`
	TaskID       string  `json:"task_id,omitempty"`
}

// CompletePayload describes a workflow's terminal result.
type CompletePayload struct {
	WorkflowType string         `json:"workflow_type"`
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// AgentPayload describes an agent allocation or release.
type AgentPayload struct {
	Agent  string `json:"agent"`
	RoleID string `json:"role_id,omitempty"`
}

// ErrorPayload describes a surfaced error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
