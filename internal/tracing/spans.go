package tracing

// Span attribute keys. These constants define the semantic conventions for
// span attributes across the coordinator.
const (
	// Session attributes
	AttrSessionID = "session.id"

	// Workflow attributes
	AttrWorkflowID   = "workflow.id"
	AttrWorkflowType = "workflow.type"
	AttrStage        = "workflow.stage"

	// Task attributes
	AttrTaskID = "task.id"

	// Pool attributes
	AttrPoolSize = "pool.size"

	// Completion-signal attributes
	AttrSignalResult = "signal.result"

	// IPC attributes
	AttrRequestMethod = "ipc.method"
	AttrRequestID     = "ipc.request.id"

	// Error attributes
	AttrErrorType = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixIPC      = "ipc."
	SpanPrefixSession  = "session."
	SpanPrefixWorkflow = "workflow."
	SpanPrefixAgent    = "agent."
)

// Event names for span events.
const (
	EventWorkflowDispatched = "workflow.dispatched"
	EventWorkflowAdmitted   = "workflow.admitted"
	EventSignalDelivered    = "signal.delivered"
)
