// Package api exposes the coordinator over a message-oriented WebSocket
// endpoint. Clients send requests with a client-chosen id and correlate the
// response on that id; coordinator events stream to every connection
// unsolicited. The CLI is a thin mapping onto this surface.
package api

import (
	"encoding/json"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
)

// Request methods.
const (
	MethodStatus        = "status"
	MethodSessionList   = "session.list"
	MethodSessionGet    = "session.get"
	MethodSessionPause  = "session.pause"
	MethodSessionResume = "session.resume"
	MethodSessionStop   = "session.stop"
	MethodSessionRemove = "session.remove"
	MethodPlanCreate    = "plan.create"
	MethodPlanApprove   = "plan.approve"
	MethodPlanRevise    = "plan.revise"
	MethodPlanCancel    = "plan.cancel"
	MethodPlanRestart   = "plan.restart"
	MethodPoolStatus    = "pool.status"
	MethodPoolResize    = "pool.resize"
	MethodExecStart     = "exec.start"
	MethodExecPause     = "exec.pause"
	MethodExecResume    = "exec.resume"
	MethodExecStop      = "exec.stop"
	MethodExecStatus    = "exec.status"
	MethodWorkflowRetry = "workflow.retry"
	MethodEvaluate      = "coordinator.evaluate"
	MethodAgentComplete = "agent.complete"
)

// Request is a client frame. ID is chosen by the client and echoed on the
// response.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Frame kinds for server-to-client messages.
const (
	KindResponse = "response"
	KindEvent    = "event"
)

// Frame is a server message: either the response to a request or an
// unsolicited event.
type Frame struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Event  *events.Event   `json:"event,omitempty"`
}

// Error codes.
const (
	CodeBadRequest    = "bad_request"
	CodeUnknownMethod = "unknown_method"
	CodeNotFound      = "not_found"
	CodeConflict      = "conflict"
	CodeDegraded      = "degraded"
	CodeInternal      = "internal"
)

// Error is a structured request failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// === Request parameters ===

// SessionParams addresses one session.
type SessionParams struct {
	Session string `json:"session"`
}

// PauseParams addresses one session with an optional force flag.
type PauseParams struct {
	Session string `json:"session"`
	Force   bool   `json:"force,omitempty"`
}

// PlanCreateParams opens a session around a requirement.
type PlanCreateParams struct {
	Name    string `json:"name,omitempty"`
	Request string `json:"request"`
}

// PlanReviseParams sends the session's plan back with feedback.
type PlanReviseParams struct {
	Session  string `json:"session"`
	Feedback string `json:"feedback"`
}

// PoolResizeParams changes the agent pool size.
type PoolResizeParams struct {
	Size int `json:"size"`
}

// WorkflowRetryParams retries one failed task.
type WorkflowRetryParams struct {
	Session string `json:"session"`
	Task    string `json:"task"`
}

// === Response payloads ===

// SessionSummary is one row of session.list.
type SessionSummary struct {
	GUID      string `json:"guid"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	PlanPath  string `json:"plan_path,omitempty"`
	CreatedAt string `json:"created_at"`
}

// SessionListResult is the session.list response.
type SessionListResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

// CreateResult is the plan.create response.
type CreateResult struct {
	Session string `json:"session"`
}

// RetryResult is the workflow.retry response.
type RetryResult struct {
	Workflow string `json:"workflow"`
}

// StatusResult is the status response.
type StatusResult struct {
	Degraded       bool           `json:"degraded"`
	DegradedReason string         `json:"degraded_reason,omitempty"`
	Pool           map[string]int `json:"pool"`
	ActiveSessions int            `json:"active_sessions"`
}
