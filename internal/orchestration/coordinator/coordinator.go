// Package coordinator is the control plane: it admits queued workflows by
// priority against pool capacity, enforces standing conflict declarations,
// routes agent completion signals, and drives session lifecycle transitions.
//
// All admission and conflict decisions happen in a single reconciliation
// pass, triggered by pool changes, workflow completions, and a fallback
// tick. The pass is idempotent: every rule re-derives its decisions from the
// current tables, so a missed wakeup only delays, never loses, work.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/registry"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/workflow"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/sessions/domain"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/tracing"
)

// DefaultEvalInterval is the fallback reconciliation tick. Most passes are
// triggered by pool changes and workflow completions; the tick only covers
// missed wakeups.
const DefaultEvalInterval = time.Second

// Config assembles a coordinator.
type Config struct {
	Services workflow.Services
	Registry *registry.Registry
	Sessions domain.SessionRepository
	Retry    workflow.RetryPolicy
	// EvalInterval overrides the fallback reconciliation tick.
	EvalInterval time.Duration
	// Tracer records control-plane spans; nil means no-op.
	Tracer trace.Tracer
}

// managed is one live workflow under coordinator control.
type managed struct {
	rt *workflow.Runtime
}

// pendingItem is a dispatched workflow waiting for admission.
type pendingItem struct {
	id        workflow.ID
	sessionID string
	typeName  string
	input     workflow.Input
	priority  int
	seq       int64
	// recovered carries the persisted state when the item was rebuilt from a
	// state file after a restart. Recovered workflows start paused.
	recovered *workflow.PersistedState
}

// Coordinator owns the shared services and serializes all scheduling
// decisions through its reconciliation loop.
type Coordinator struct {
	svc      workflow.Services
	reg      *registry.Registry
	sessions domain.SessionRepository
	retry    workflow.RetryPolicy
	interval time.Duration
	tracer   trace.Tracer

	mu        sync.Mutex
	workflows map[workflow.ID]*managed
	pending   []*pendingItem
	// pausedBy maps a pause_others declarer to the workflows it forced out.
	pausedBy map[workflow.ID][]workflow.ID
	// reserving holds admitted workflows that have not yet seated an agent;
	// their slots count against free capacity so a later, lower-priority
	// admission cannot race them to the pool.
	reserving map[workflow.ID]bool
	seq       int64
	started   bool

	evalCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// degraded holds the read-only reason, or "" while healthy.
	degraded atomic.Value
}

// New creates a coordinator. The services must be fully populated.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Services.Validate(); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("coordinator: workflow registry is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("coordinator: session repository is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = workflow.DefaultRetryPolicy()
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultEvalInterval
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("coordinator")
	}
	return &Coordinator{
		svc:       cfg.Services,
		reg:       cfg.Registry,
		sessions:  cfg.Sessions,
		retry:     cfg.Retry,
		interval:  cfg.EvalInterval,
		tracer:    cfg.Tracer,
		workflows: make(map[workflow.ID]*managed),
		pausedBy:  make(map[workflow.ID][]workflow.ID),
		reserving: make(map[workflow.ID]bool),
		evalCh:    make(chan struct{}, 1),
	}, nil
}

// Start launches the reconciliation loop. Call once.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.svc.Pool.SetOnChange(c.Poke)
	c.wg.Add(1)
	log.SafeGo("coordinator.loop", func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-c.evalCh:
			case <-ticker.C:
			}
			c.Evaluate()
		}
	})
	log.Info(log.CatCoord, "coordinator started")
	return nil
}

// Stop pauses every live workflow so its state file stays resumable, then
// shuts the reconciliation loop down. Paused workflow goroutines are
// abandoned; they hold no resources beyond their parked stacks.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	var runtimes []*workflow.Runtime
	for _, m := range c.workflows {
		runtimes = append(runtimes, m.rt)
	}
	cancel := c.cancel
	c.mu.Unlock()

	for _, rt := range runtimes {
		rt.Pause(true)
	}
	waitForStatuses(runtimes, 5*time.Second)

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.svc.Pool.Close()
	log.Info(log.CatCoord, "coordinator stopped")
}

// waitForStatuses waits until every runtime is paused or terminal.
func waitForStatuses(runtimes []*workflow.Runtime, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, rt := range runtimes {
		for time.Now().Before(deadline) {
			st := rt.Status()
			if st == workflow.StatusPaused || st.IsTerminal() {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// Poke schedules a reconciliation pass. Safe from any goroutine.
func (c *Coordinator) Poke() {
	select {
	case c.evalCh <- struct{}{}:
	default:
	}
}

// PoolStatus returns a snapshot of the agent pool.
func (c *Coordinator) PoolStatus() pool.Status {
	return c.svc.Pool.Status()
}

// ResizePool changes the agent pool size and reconsiders pending admissions.
func (c *Coordinator) ResizePool(size int) error {
	_, span := c.tracer.Start(context.Background(), "pool.resize",
		trace.WithAttributes(attribute.Int(tracing.AttrPoolSize, size)))
	defer span.End()
	if err := c.svc.Pool.Resize(size); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resize rejected")
		return err
	}
	c.Poke()
	return nil
}

// Events returns the coordinator's event bus.
func (c *Coordinator) Events() *events.Bus {
	return c.svc.Events
}

// ErrDegraded is returned for dispatches while the coordinator is read-only.
var ErrDegraded = fmt.Errorf("coordinator is degraded, new work refused")

// MarkDegraded switches the coordinator to read-only mode: existing
// workflows keep running, new sessions and dispatches are refused. Used when
// the persistence medium stops accepting writes.
func (c *Coordinator) MarkDegraded(reason string) {
	c.degraded.Store(reason)
	log.Error(log.CatCoord, "coordinator degraded", "reason", reason)
	c.emitError("coordinator_degraded", fmt.Errorf("%s", reason), "", "")
}

// Degraded reports whether the coordinator is read-only, and why.
func (c *Coordinator) Degraded() (bool, string) {
	reason, _ := c.degraded.Load().(string)
	return reason != "", reason
}

// ============================================================================
// Dispatch
// ============================================================================

// Dispatch queues a workflow for admission and returns its id. The type must
// be registered and the input valid for it; admission happens on the next
// reconciliation pass, ordered by priority then arrival.
func (c *Coordinator) Dispatch(sessionID, typeName string, input workflow.Input) (workflow.ID, error) {
	_, span := c.tracer.Start(context.Background(), tracing.SpanPrefixWorkflow+"dispatch",
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, sessionID),
			attribute.String(tracing.AttrWorkflowType, typeName),
		))
	defer span.End()

	if down, reason := c.Degraded(); down {
		err := fmt.Errorf("%w: %s", ErrDegraded, reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, "degraded")
		return "", err
	}
	// Instantiate once up front so a bad type or input fails the caller, not
	// a later reconciliation pass. The definition itself is rebuilt at
	// admission because definitions carry per-run state.
	def, err := c.reg.Instantiate(typeName, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "instantiate failed")
		return "", err
	}

	item := &pendingItem{
		id:        workflow.NewID(),
		sessionID: sessionID,
		typeName:  typeName,
		input:     input,
		priority:  def.Priority(),
	}
	c.mu.Lock()
	item.seq = c.seq
	c.seq++
	c.pending = append(c.pending, item)
	c.mu.Unlock()

	log.Info(log.CatCoord, "workflow dispatched",
		"workflow", item.id, "type", typeName, "session", sessionID, "priority", item.priority)
	span.SetAttributes(attribute.String(tracing.AttrWorkflowID, item.id.String()))
	span.AddEvent(tracing.EventWorkflowDispatched)
	c.Poke()
	return item.id, nil
}

// Workflow returns the live runtime for id, if it is admitted.
func (c *Coordinator) Workflow(id workflow.ID) (*workflow.Runtime, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.workflows[id]
	if !ok {
		return nil, false
	}
	return m.rt, true
}

// Workflows returns snapshots of all live workflows.
func (c *Coordinator) Workflows() []workflow.Snapshot {
	c.mu.Lock()
	runtimes := make([]*workflow.Runtime, 0, len(c.workflows))
	for _, m := range c.workflows {
		runtimes = append(runtimes, m.rt)
	}
	c.mu.Unlock()

	out := make([]workflow.Snapshot, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, rt.Snapshot())
	}
	return out
}

// PendingCount returns the number of workflows waiting for admission.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ============================================================================
// Completion signals
// ============================================================================

// stageResults maps each stage to its accepted result codes.
var stageResults = map[string][]string{
	workflow.StageContext:       {"success", "failed"},
	workflow.StageDeltaContext:  {"success", "failed"},
	workflow.StageImplement:     {"success", "failed"},
	workflow.StageReview:        {"approved", "changes_requested"},
	workflow.StageAnalysis:      {"pass", "critical", "minor"},
	workflow.StageErrorAnalysis: {"success", "failed"},
	workflow.StageFinalize:      {"success", "failed"},
	workflow.StagePlanning:      {"success", "failed"},
}

// ValidResult reports whether result is an accepted code for the stage.
func ValidResult(stage, result string) bool {
	for _, r := range stageResults[stage] {
		if r == result {
			return true
		}
	}
	return false
}

// DeliverCompletion validates and routes an agent completion signal.
func (c *Coordinator) DeliverCompletion(sig signalbus.Signal) error {
	_, span := c.tracer.Start(context.Background(), tracing.SpanPrefixAgent+"completion",
		trace.WithAttributes(
			attribute.String(tracing.AttrWorkflowID, sig.WorkflowID),
			attribute.String(tracing.AttrStage, sig.Stage),
			attribute.String(tracing.AttrTaskID, sig.TaskID),
			attribute.String(tracing.AttrSignalResult, sig.Result),
		))
	defer span.End()

	if err := c.validateCompletion(sig); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return err
	}
	if err := c.svc.Signals.Deliver(sig); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "undeliverable")
		return err
	}
	span.AddEvent(tracing.EventSignalDelivered)
	c.Poke()
	return nil
}

func (c *Coordinator) validateCompletion(sig signalbus.Signal) error {
	if !workflow.ValidStage(sig.Stage) {
		return fmt.Errorf("unknown stage %q", sig.Stage)
	}
	if !ValidResult(sig.Stage, sig.Result) {
		return fmt.Errorf("result %q is not valid for stage %q (want one of %v)",
			sig.Result, sig.Stage, stageResults[sig.Stage])
	}
	if len(sig.Data) > 0 && !json.Valid(sig.Data) {
		return fmt.Errorf("signal data is not valid JSON")
	}
	return nil
}

// ============================================================================
// Reconciliation
// ============================================================================

// Evaluate runs one reconciliation pass. Exposed for the IPC surface and for
// tests; the loop calls it on every wakeup.
func (c *Coordinator) Evaluate() {
	_, span := c.tracer.Start(context.Background(), "coordinator.evaluate")
	defer span.End()
	c.admitPending()
	c.enforceConflicts()
	c.nudgeBlocked()
	c.settleSessions()
}

// admitPending starts queued workflows while the pool has capacity, lowest
// priority value first, then FIFO.
func (c *Coordinator) admitPending() {
	// Admission is capped at the pool's free capacity per pass. Admitted
	// workflows request agents asynchronously, so each admission reserves a
	// slot until its workflow seats an agent; otherwise a later admission
	// could beat an earlier, higher-priority one to the pool.
	st := c.svc.Pool.Status()
	holders := make(map[workflow.ID]bool, len(st.Agents))
	for _, a := range st.Agents {
		if a.WorkflowID != "" {
			holders[workflow.ID(a.WorkflowID)] = true
		}
	}

	c.mu.Lock()
	for id := range c.reserving {
		if holders[id] {
			// The reservation is spent: the workflow holds a real agent now.
			delete(c.reserving, id)
			continue
		}
		m, live := c.workflows[id]
		if !live {
			delete(c.reserving, id)
			continue
		}
		if s := m.rt.Status(); s == workflow.StatusPaused || s == workflow.StatusBlocked || s.IsTerminal() {
			// Parked without a seat; it re-competes for capacity on resume.
			delete(c.reserving, id)
		}
	}
	free := st.Available - len(c.reserving)
	c.mu.Unlock()

	for ; free > 0; free-- {
		c.mu.Lock()
		best := -1
		for i, item := range c.pending {
			if best < 0 ||
				item.priority < c.pending[best].priority ||
				(item.priority == c.pending[best].priority && item.seq < c.pending[best].seq) {
				best = i
			}
		}
		if best < 0 {
			c.mu.Unlock()
			return
		}
		item := c.pending[best]
		c.pending = append(c.pending[:best], c.pending[best+1:]...)
		c.reserving[item.id] = true
		c.mu.Unlock()

		c.startWorkflow(item)
	}
}

// unreserve drops an admission reservation that will never be spent.
func (c *Coordinator) unreserve(id workflow.ID) {
	c.mu.Lock()
	delete(c.reserving, id)
	c.mu.Unlock()
}

// startWorkflow builds and launches a runtime for the admitted item.
func (c *Coordinator) startWorkflow(item *pendingItem) {
	_, span := c.tracer.Start(context.Background(), tracing.SpanPrefixWorkflow+"admit",
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, item.sessionID),
			attribute.String(tracing.AttrWorkflowID, item.id.String()),
			attribute.String(tracing.AttrWorkflowType, item.typeName),
		))
	defer span.End()

	def, err := c.reg.Instantiate(item.typeName, item.input)
	if err != nil {
		c.unreserve(item.id)
		log.ErrorErr(log.CatCoord, "workflow admission failed", err,
			"workflow", item.id, "type", item.typeName)
		c.emitError("workflow_admission", err, item.sessionID, item.id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "instantiate failed")
		return
	}

	cfg := workflow.Config{
		ID:         item.id,
		SessionID:  item.sessionID,
		Priority:   item.priority,
		Input:      item.input,
		Services:   c.svc,
		Retry:      c.retry,
		OnTerminal: c.onWorkflowTerminal,
	}
	if item.recovered != nil {
		cfg.StartPhase = item.recovered.PhaseIndex
	}
	rt, err := workflow.New(cfg, def)
	if err != nil {
		c.unreserve(item.id)
		log.ErrorErr(log.CatCoord, "workflow construction failed", err,
			"workflow", item.id, "type", item.typeName)
		c.emitError("workflow_construction", err, item.sessionID, item.id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "construction failed")
		return
	}
	if st := item.recovered; st != nil {
		rt.RestoreOutput(st.Output)
		rt.RestoreContinuation(st.Continuation)
		rt.RestoreOccupancy(st.Occupancy)
		// Recovered workflows park at the first phase boundary until the
		// session is resumed.
		rt.Pause(false)
	}

	c.mu.Lock()
	c.workflows[item.id] = &managed{rt: rt}
	c.mu.Unlock()

	log.Info(log.CatCoord, "workflow admitted",
		"workflow", item.id, "type", item.typeName, "session", item.sessionID)
	span.AddEvent(tracing.EventWorkflowAdmitted)
	log.SafeGo("coordinator.workflow:"+item.id.String(), func() {
		// The runtime gets its own lifetime: coordinator shutdown pauses it
		// rather than cancelling it, so its state file stays resumable.
		rt.Run(context.Background())
	})
}

// onWorkflowTerminal runs on the workflow's goroutine after its terminal
// state is persisted.
func (c *Coordinator) onWorkflowTerminal(rt *workflow.Runtime, res workflow.Result) {
	id := rt.ID()

	c.mu.Lock()
	delete(c.workflows, id)
	delete(c.reserving, id)
	victims := c.pausedBy[id]
	delete(c.pausedBy, id)
	c.mu.Unlock()

	_ = workflow.RemoveStateFile(c.svc.Layout.WorkflowStatePath(rt.SessionID(), id.String()))

	if rt.Type() == workflow.TypeTaskImpl && res.Status == workflow.StatusFailed {
		taskID := rt.Input().String("task_id")
		if err := c.svc.Tasks.SetStatus(taskID, task.StatusFailed, res.Reason); err != nil {
			log.Warn(log.CatCoord, "cannot mark task failed", "task", taskID, "err", err)
		}
	}

	c.settlePlanningOutcome(rt, res)
	c.resumeConflictVictims(rt.SessionID(), victims)
	c.Poke()
}

// settlePlanningOutcome moves the session's status when a planning or
// revision workflow ends.
func (c *Coordinator) settlePlanningOutcome(rt *workflow.Runtime, res workflow.Result) {
	switch rt.Type() {
	case workflow.TypePlanningNew:
		if res.Status == workflow.StatusCompleted {
			c.transitionSession(rt.SessionID(), domain.SessionStatusReviewing)
			return
		}
		// A session whose first plan never materialized has nothing to review.
		c.transitionSession(rt.SessionID(), domain.SessionStatusCancelled)
	case workflow.TypePlanningRevision:
		// Either way the session returns to review: on success the new plan
		// awaits approval, on failure the backed-up plan is still the active
		// one. A cancelled-session transition is rejected by the DAG and
		// logged, which is the right outcome during session cancellation.
		c.transitionSession(rt.SessionID(), domain.SessionStatusReviewing)
	}
}

// resumeConflictVictims resumes workflows this declarer had force-paused,
// unless the session itself is paused.
func (c *Coordinator) resumeConflictVictims(sessionID string, victims []workflow.ID) {
	if len(victims) == 0 {
		return
	}
	if sess, err := c.sessions.FindByGUID(sessionID); err == nil {
		if sess.Status() == domain.SessionStatusPaused || sess.Status().IsTerminal() {
			return
		}
	}
	c.mu.Lock()
	var runtimes []*workflow.Runtime
	for _, vid := range victims {
		if m, ok := c.workflows[vid]; ok {
			runtimes = append(runtimes, m.rt)
		}
	}
	c.mu.Unlock()
	for _, rt := range runtimes {
		log.Info(log.CatCoord, "resuming conflict-paused workflow", "workflow", rt.ID())
		rt.Resume()
	}
}

// enforceConflicts force-pauses workflows that occupy tasks covered by
// another workflow's pause_others declaration.
func (c *Coordinator) enforceConflicts() {
	for _, decl := range c.svc.Conflicts.All() {
		if decl.Resolution != task.ResolutionPauseOthers {
			continue
		}
		declarer := workflow.ID(decl.WorkflowID)

		c.mu.Lock()
		if _, live := c.workflows[declarer]; !live {
			c.mu.Unlock()
			continue
		}
		var victims []*managed
		var victimIDs []workflow.ID
		for id, m := range c.workflows {
			if id == declarer || m.rt.SessionID() != decl.SessionID {
				continue
			}
			if m.rt.Status() == workflow.StatusPaused || m.rt.Status().IsTerminal() {
				continue
			}
			if c.overlapsLocked(id, decl) {
				victims = append(victims, m)
				victimIDs = append(victimIDs, id)
			}
		}
		if len(victimIDs) > 0 {
			c.pausedBy[declarer] = appendUnique(c.pausedBy[declarer], victimIDs)
		}
		c.mu.Unlock()

		for _, m := range victims {
			log.Info(log.CatCoord, "pausing workflow for conflict",
				"workflow", m.rt.ID(), "declarer", declarer, "reason", decl.Reason)
			m.rt.Pause(true)
		}
	}
}

// overlapsLocked reports whether the workflow occupies any task the
// declaration covers.
func (c *Coordinator) overlapsLocked(id workflow.ID, decl task.Declaration) bool {
	for _, taskID := range c.svc.Occupancy.HeldBy(id.String()) {
		if decl.Covers(taskID) {
			return true
		}
	}
	return false
}

// nudgeBlocked wakes blocked workflows so they re-check their wait
// conditions.
func (c *Coordinator) nudgeBlocked() {
	c.mu.Lock()
	var blocked []*workflow.Runtime
	for _, m := range c.workflows {
		if m.rt.Status() == workflow.StatusBlocked {
			blocked = append(blocked, m.rt)
		}
	}
	c.mu.Unlock()
	for _, rt := range blocked {
		rt.Nudge()
	}
}

// settleSessions dispatches ready tasks for executing sessions and completes
// sessions whose plans have fully run.
func (c *Coordinator) settleSessions() {
	executing, err := c.sessions.ListWithFilter(domain.ListFilter{Status: domain.SessionStatusExecuting})
	if err != nil {
		log.Warn(log.CatCoord, "cannot list executing sessions", "err", err)
		return
	}

	for _, sess := range executing {
		guid := sess.GUID()
		for _, t := range c.svc.Tasks.Ready(guid) {
			if c.hasTaskWorkflow(guid, t.ID) {
				continue
			}
			if _, err := c.Dispatch(guid, workflow.TypeTaskImpl, workflow.Input{"task_id": t.ID}); err != nil {
				log.Warn(log.CatCoord, "cannot dispatch task workflow", "task", t.ID, "err", err)
			}
		}

		if len(c.svc.Tasks.List(guid)) > 0 &&
			c.svc.Tasks.AllDone(guid) &&
			!c.hasSessionWork(guid) {
			c.transitionSession(guid, domain.SessionStatusCompleted)
		}
	}
}

// hasTaskWorkflow reports whether a live or pending workflow already covers
// the task.
func (c *Coordinator) hasTaskWorkflow(sessionID, taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.workflows {
		if m.rt.SessionID() == sessionID && m.rt.Type() == workflow.TypeTaskImpl &&
			m.rt.Input().String("task_id") == taskID {
			return true
		}
	}
	for _, item := range c.pending {
		if item.sessionID == sessionID && item.typeName == workflow.TypeTaskImpl &&
			item.input.String("task_id") == taskID {
			return true
		}
	}
	return false
}

// hasSessionWork reports whether the session still has live or pending
// workflows.
func (c *Coordinator) hasSessionWork(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.workflows {
		if m.rt.SessionID() == sessionID {
			return true
		}
	}
	for _, item := range c.pending {
		if item.sessionID == sessionID {
			return true
		}
	}
	return false
}

// ============================================================================
// Crash recovery
// ============================================================================

// Recover rebuilds coordinator state after a restart: active sessions move
// to paused, their plans are reloaded, and non-terminal workflow state files
// become pending workflows that start paused. Call before Start.
func (c *Coordinator) Recover() error {
	active, err := c.sessions.ListWithFilter(domain.ListFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	for _, sess := range active {
		guid := sess.GUID()

		if sess.Status() == domain.SessionStatusExecuting {
			c.transitionSession(guid, domain.SessionStatusPaused)
		}
		if sess.PlanPath() != "" {
			if _, err := c.svc.Tasks.LoadPlan(guid, sess.PlanPath()); err != nil && !os.IsNotExist(err) {
				log.Warn(log.CatCoord, "cannot reload plan", "session", guid, "err", err)
			}
		}
		c.recoverSessionWorkflows(guid)
	}
	return nil
}

func (c *Coordinator) recoverSessionWorkflows(sessionID string) {
	pattern := filepath.Join(c.svc.Layout.WorkflowsDir(sessionID), "*.state.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, path := range matches {
		st, err := workflow.LoadStateFile(path)
		if err != nil {
			log.Warn(log.CatCoord, "unreadable workflow state", "path", path, "err", err)
			continue
		}
		if st.Status.IsTerminal() {
			_ = workflow.RemoveStateFile(path)
			continue
		}
		stCopy := st
		item := &pendingItem{
			id:        st.ID,
			sessionID: sessionID,
			typeName:  st.Type,
			input:     st.Input,
			priority:  st.Priority,
			recovered: &stCopy,
		}
		c.mu.Lock()
		item.seq = c.seq
		c.seq++
		c.pending = append(c.pending, item)
		c.mu.Unlock()
		log.Info(log.CatCoord, "workflow recovered",
			"workflow", st.ID, "type", st.Type, "phase", st.PhaseName, "session", sessionID)
	}
}

// ============================================================================
// Helpers
// ============================================================================

// transitionSession moves the session to target, saving and emitting on
// success. Invalid transitions are logged, not fatal: they happen when a
// terminal workflow races a session-level command.
func (c *Coordinator) transitionSession(guid string, target domain.SessionStatus) {
	sess, err := c.sessions.FindByGUID(guid)
	if err != nil {
		log.Warn(log.CatCoord, "session lookup failed", "session", guid, "err", err)
		return
	}
	if sess.Status() == target {
		return
	}
	if err := sess.TransitionTo(target); err != nil {
		log.Warn(log.CatCoord, "session transition rejected",
			"session", guid, "from", sess.Status().String(), "to", target.String())
		return
	}
	if err := c.sessions.Save(sess); err != nil {
		log.ErrorErr(log.CatCoord, "session save failed", err, "session", guid)
		return
	}
	c.emitSession(sess)
	log.Info(log.CatCoord, "session status", "session", guid, "status", target.String())
}

func (c *Coordinator) emitSession(sess *domain.Session) {
	if c.svc.Events == nil {
		return
	}
	c.svc.Events.Emit(events.Event{
		Type:      events.SessionUpdated,
		SessionID: sess.GUID(),
		Payload: events.SessionPayload{
			Status:   sess.Status().String(),
			PlanPath: sess.PlanPath(),
		},
	})
}

func (c *Coordinator) emitError(code string, err error, sessionID string, workflowID workflow.ID) {
	if c.svc.Events == nil {
		return
	}
	c.svc.Events.Emit(events.Event{
		Type:       events.Error,
		SessionID:  sessionID,
		WorkflowID: workflowID.String(),
		Payload:    events.ErrorPayload{Code: code, Message: err.Error()},
	})
}

func appendUnique(dst []workflow.ID, add []workflow.ID) []workflow.ID {
	seen := make(map[workflow.ID]bool, len(dst))
	for _, id := range dst {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			dst = append(dst, id)
			seen[id] = true
		}
	}
	return dst
}
