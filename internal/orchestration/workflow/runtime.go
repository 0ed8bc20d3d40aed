package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/runner"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
)

const (
	// defaultPhaseTimeout bounds one agent invocation when the phase does
	// not set its own timeout.
	defaultPhaseTimeout = 30 * time.Minute
	// continuationTailLines is how much output the forced-pause snapshot keeps.
	continuationTailLines = 40
)

// callbackGrace is how long after agent process exit the runtime keeps
// waiting for the completion signal before declaring no-callback.
var callbackGrace = 3 * time.Second

// RetryPolicy controls per-phase retry behavior.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64
}

// DefaultRetryPolicy returns the standard policy: three attempts with
// jittered exponential backoff capped at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Jitter:          0.3,
	}
}

// Continuation is the context snapshot captured when a forced pause kills a
// running agent, used to seed the prompt after resume.
type Continuation struct {
	Phase         string    `json:"phase"`
	CapturedAt    time.Time `json:"captured_at"`
	OutputTail    []string  `json:"output_tail,omitempty"`
	FilesModified []string  `json:"files_modified,omitempty"`
}

// Config assembles a runtime.
type Config struct {
	ID        ID
	SessionID string
	Priority  int
	Input     Input
	Services  Services
	Retry     RetryPolicy
	// StartPhase lets crash recovery resume mid-workflow.
	StartPhase int
	// OnTerminal is invoked once, after the terminal state is persisted.
	OnTerminal func(*Runtime, Result)
}

type occupancyDecl struct {
	TaskIDs []string  `json:"task_ids"`
	Mode    task.Mode `json:"mode"`
	Reason  string    `json:"reason,omitempty"`
}

// Runtime drives one workflow instance through its phase list. A single
// goroutine (Run) executes phases; control methods (Pause, Resume, Cancel,
// Nudge) may be called from any goroutine.
type Runtime struct {
	id        ID
	sessionID string
	priority  int
	def       Definition
	svc       Services
	input     Input
	retry     RetryPolicy

	mu           sync.Mutex
	status       Status
	phaseIdx     int
	phases       []Phase
	rewindTarget int
	rewinds      map[string]int
	output       map[string]any
	agents       map[string]string // roleID -> agent name
	benched      map[string]bool   // agent name -> benched
	lastOcc      *occupancyDecl
	continuation *Continuation
	pauseReq     bool
	waits        int // in-flight signal waits
	cancelled    bool
	cancelReason string
	procs        map[runner.Process]struct{}
	result       *Result

	resumeCh   chan struct{}
	pauseCh    chan struct{}
	nudgeCh    chan struct{}
	done       chan struct{}
	ctx        context.Context
	ctxCancel  context.CancelFunc
	onTerminal func(*Runtime, Result)
	logFile    *os.File
}

// New creates a runtime for the definition.
func New(cfg Config, def Definition) (*Runtime, error) {
	if def == nil {
		return nil, fmt.Errorf("nil workflow definition")
	}
	if err := cfg.Services.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	rt := &Runtime{
		id:           cfg.ID,
		sessionID:    cfg.SessionID,
		priority:     cfg.Priority,
		def:          def,
		svc:          cfg.Services,
		input:        cfg.Input,
		retry:        cfg.Retry,
		status:       StatusPending,
		phaseIdx:     cfg.StartPhase,
		phases:       def.Phases(),
		rewindTarget: -1,
		rewinds:      make(map[string]int),
		output:       make(map[string]any),
		agents:       make(map[string]string),
		benched:      make(map[string]bool),
		procs:        make(map[runner.Process]struct{}),
		resumeCh:     make(chan struct{}, 1),
		pauseCh:      make(chan struct{}, 1),
		nudgeCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		onTerminal:   cfg.OnTerminal,
	}
	if rt.phaseIdx < 0 || rt.phaseIdx >= len(rt.phases) {
		rt.phaseIdx = 0
	}
	return rt, nil
}

// Accessors used by definitions and the coordinator.

func (rt *Runtime) ID() ID            { return rt.id }
func (rt *Runtime) SessionID() string { return rt.sessionID }
func (rt *Runtime) Type() string      { return rt.def.Type() }
func (rt *Runtime) Priority() int     { return rt.priority }
func (rt *Runtime) Input() Input      { return rt.input }

// Done closes when the workflow reaches a terminal state.
func (rt *Runtime) Done() <-chan struct{} { return rt.done }

// Status returns the current lifecycle state.
func (rt *Runtime) Status() Status {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// Result returns the terminal result, or nil while running.
func (rt *Runtime) Result() *Result {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.result
}

// Continuation returns the forced-pause snapshot, if one was captured.
func (rt *Runtime) Continuation() *Continuation {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.continuation
}

// SetOutput records a key in the workflow's output document.
func (rt *Runtime) SetOutput(key string, value any) {
	rt.mu.Lock()
	rt.output[key] = value
	rt.mu.Unlock()
}

// Output returns a copy of the output document.
func (rt *Runtime) Output() map[string]any {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]any, len(rt.output))
	for k, v := range rt.output {
		out[k] = v
	}
	return out
}

// Snapshot is the externally visible state of a runtime.
type Snapshot struct {
	ID         ID             `json:"id"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
	Status     Status         `json:"status"`
	Priority   int            `json:"priority"`
	PhaseIndex int            `json:"phase_index"`
	PhaseName  string         `json:"phase_name"`
	PhaseCount int            `json:"phase_count"`
	TaskID     string         `json:"task_id,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}

// Snapshot returns the current external state.
func (rt *Runtime) Snapshot() Snapshot {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s := Snapshot{
		ID:         rt.id,
		Type:       rt.def.Type(),
		SessionID:  rt.sessionID,
		Status:     rt.status,
		Priority:   rt.priority,
		PhaseIndex: rt.phaseIdx,
		PhaseCount: len(rt.phases),
		TaskID:     rt.input.String("task_id"),
	}
	if rt.phaseIdx < len(rt.phases) {
		s.PhaseName = rt.phases[rt.phaseIdx].Name
	}
	if len(rt.output) > 0 {
		s.Output = make(map[string]any, len(rt.output))
		for k, v := range rt.output {
			s.Output[k] = v
		}
	}
	return s
}

// ============================================================================
// Control surface
// ============================================================================

// Pause requests a pause. Cooperative pauses take effect at the next phase
// boundary; force kills the in-flight agent processes and captures a
// continuation snapshot. Pausing a paused workflow is a no-op.
func (rt *Runtime) Pause(force bool) {
	rt.mu.Lock()
	if rt.status.IsTerminal() || rt.status == StatusPaused || rt.pauseReq {
		rt.mu.Unlock()
		return
	}
	rt.pauseReq = true
	waiting := rt.waits > 0
	var procs []runner.Process
	if force && len(rt.procs) > 0 {
		var tail []string
		for p := range rt.procs {
			procs = append(procs, p)
			tail = append(tail, p.Tail(continuationTailLines)...)
		}
		rt.continuation = &Continuation{
			Phase:         rt.currentPhaseNameLocked(),
			CapturedAt:    time.Now(),
			OutputTail:    tail,
			FilesModified: extractFilePaths(tail),
		}
	}
	rt.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}
	if force && waiting {
		// Unblock the in-flight signal waits so the phase observes the pause
		// without waiting out its timeout.
		rt.svc.Signals.CancelAllForWorkflow(rt.id.String())
	}

	select {
	case rt.pauseCh <- struct{}{}:
	default:
	}
	log.Info(log.CatWF, "pause requested", "workflow", rt.id, "force", force)
}

// Resume wakes a paused workflow. No-op when not paused.
func (rt *Runtime) Resume() {
	rt.mu.Lock()
	if rt.status != StatusPaused && !rt.pauseReq {
		rt.mu.Unlock()
		return
	}
	rt.pauseReq = false
	rt.mu.Unlock()

	select {
	case rt.resumeCh <- struct{}{}:
	default:
	}
	log.Info(log.CatWF, "resume requested", "workflow", rt.id)
}

// Cancel stops the workflow. In-flight agents are killed and pending
// signal waits are cancelled.
func (rt *Runtime) Cancel(reason string) {
	rt.mu.Lock()
	if rt.cancelled || rt.status.IsTerminal() {
		rt.mu.Unlock()
		return
	}
	rt.cancelled = true
	rt.cancelReason = reason
	procs := make([]runner.Process, 0, len(rt.procs))
	for p := range rt.procs {
		procs = append(procs, p)
	}
	cancel := rt.ctxCancel
	rt.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}
	if cancel != nil {
		cancel()
	}
	rt.svc.Signals.CancelAllForWorkflow(rt.id.String())
	log.Info(log.CatWF, "cancel requested", "workflow", rt.id, "reason", reason)
}

// Nudge wakes a blocked workflow so it re-checks its wait condition. The
// coordinator calls this from its reconciliation loop.
func (rt *Runtime) Nudge() {
	select {
	case rt.nudgeCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// Run loop
// ============================================================================

// Run executes the workflow to a terminal state. It must be called exactly
// once, on its own goroutine.
func (rt *Runtime) Run(parent context.Context) Result {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	rt.mu.Lock()
	rt.ctx = ctx
	rt.ctxCancel = cancel
	rt.status = StatusRunning
	rt.mu.Unlock()

	rt.openLog()
	rt.logf("workflow %s (%s) started", rt.id, rt.def.Type())

	for {
		if rt.isCancelled() || ctx.Err() != nil {
			return rt.finish(StatusCancelled, rt.takeCancelReason(), nil)
		}
		if rt.pauseRequested() {
			if !rt.enterPause(ctx) {
				return rt.finish(StatusCancelled, rt.takeCancelReason(), nil)
			}
			continue
		}

		rt.mu.Lock()
		idx := rt.phaseIdx
		total := len(rt.phases)
		rt.mu.Unlock()
		if idx >= total {
			break
		}
		phase := rt.phases[idx]

		rt.persist()
		rt.emitProgress(phase, StatusRunning, "phase started")
		rt.logf("phase %s (%d/%d) started", phase.Name, idx+1, total)

		err := rt.executeWithRetry(ctx, phase)
		if err != nil {
			switch {
			case errors.Is(err, errPauseInterrupt):
				continue
			case errors.Is(err, ErrAbortedOccupied):
				rt.logf("phase %s aborted: %v", phase.Name, err)
				return rt.finish(StatusCancelled, err.Error(), err)
			case Classify(err) == ClassCancelled:
				return rt.finish(StatusCancelled, rt.takeCancelReason(), err)
			default:
				rt.logf("phase %s failed: %v", phase.Name, err)
				return rt.finish(StatusFailed, err.Error(), err)
			}
		}

		rt.logf("phase %s completed", phase.Name)
		rt.mu.Lock()
		rewound := ""
		if rt.rewindTarget >= 0 {
			rewound = rt.phases[rt.rewindTarget].Name
			rt.phaseIdx = rt.rewindTarget
			rt.rewindTarget = -1
		} else {
			rt.phaseIdx++
		}
		rt.mu.Unlock()
		if rewound != "" {
			rt.logf("rewinding to phase %s", rewound)
		}
	}

	return rt.finish(StatusCompleted, "", nil)
}

func (rt *Runtime) executeWithRetry(ctx context.Context, phase Phase) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rt.retry.InitialInterval
	bo.MaxInterval = rt.retry.MaxInterval
	bo.RandomizationFactor = rt.retry.Jitter
	bo.Reset()

	attempt := 0
	op := func() error {
		attempt++
		err := rt.def.Execute(ctx, rt, phase)
		if err == nil {
			return nil
		}
		switch Classify(err) {
		case ClassCancelled, ClassPermanent:
			return backoff.Permanent(err)
		default:
			rt.logf("phase %s attempt %d failed: %v", phase.Name, attempt, err)
			rt.emitProgress(phase, StatusRunning, fmt.Sprintf("retrying after: %v", err))
			return err
		}
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(rt.retry.MaxAttempts-1)), ctx))
}

// enterPause releases occupancy and non-benched agents, then blocks until
// resume or cancellation. Reports false when cancelled.
func (rt *Runtime) enterPause(ctx context.Context) bool {
	released := rt.svc.Occupancy.ReleaseAll(rt.id.String())
	if len(released) > 0 {
		rt.logf("pause released occupancy on %d task(s)", len(released))
	}

	rt.mu.Lock()
	for roleID, name := range rt.agents {
		if rt.benched[name] {
			continue
		}
		delete(rt.agents, roleID)
		rt.mu.Unlock()
		if err := rt.svc.Pool.Release(name); err != nil {
			log.Warn(log.CatWF, "pause release failed", "workflow", rt.id, "agent", name, "err", err)
		}
		rt.mu.Lock()
	}
	rt.setStatusLocked(StatusPaused)
	phase := rt.currentPhaseLocked()
	rt.mu.Unlock()

	rt.persist()
	rt.emitProgress(phase, StatusPaused, "workflow paused")
	rt.logf("paused before phase %s", phase.Name)

	select {
	case <-rt.resumeCh:
	case <-ctx.Done():
		return false
	}
	if rt.isCancelled() {
		return false
	}

	rt.mu.Lock()
	rt.setStatusLocked(StatusRunning)
	rt.mu.Unlock()
	if !rt.reacquireOccupancy(ctx) {
		return false
	}
	rt.persist()
	rt.emitProgress(phase, StatusRunning, "workflow resumed")
	rt.logf("resumed at phase %s", phase.Name)
	return true
}

// reacquireOccupancy re-declares the occupancy released by a pause, retrying
// until the tasks free up or the workflow is cancelled.
func (rt *Runtime) reacquireOccupancy(ctx context.Context) bool {
	rt.mu.Lock()
	decl := rt.lastOcc
	rt.mu.Unlock()
	if decl == nil {
		return true
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // keep trying until cancelled

	err := backoff.Retry(func() error {
		if rt.isCancelled() {
			return backoff.Permanent(ErrWorkflowCancelled)
		}
		return rt.svc.Occupancy.Declare(rt.id.String(), decl.TaskIDs, decl.Mode, decl.Reason)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		rt.logf("failed to reacquire occupancy: %v", err)
		return false
	}
	return true
}

func (rt *Runtime) finish(status Status, reason string, err error) Result {
	// Tear down shared state. Order matters: occupancy and conflicts first
	// so reconciliation sees the tasks free before the agents return.
	rt.svc.Occupancy.ReleaseAll(rt.id.String())
	rt.svc.Conflicts.Clear(rt.id.String())
	rt.svc.Signals.CancelAllForWorkflow(rt.id.String())

	rt.mu.Lock()
	agents := make([]string, 0, len(rt.agents))
	for _, name := range rt.agents {
		agents = append(agents, name)
	}
	rt.agents = make(map[string]string)
	rt.benched = make(map[string]bool)
	rt.mu.Unlock()
	for _, name := range agents {
		if relErr := rt.svc.Pool.Release(name); relErr != nil {
			log.Warn(log.CatWF, "release on finish failed", "workflow", rt.id, "agent", name, "err", relErr)
		}
	}

	rt.mu.Lock()
	rt.setStatusLocked(status)
	res := Result{Status: status, Output: rt.output, Reason: reason, Err: err}
	rt.result = &res
	rt.mu.Unlock()

	rt.persist()
	rt.logf("workflow %s: %s %s", rt.id, status, reason)
	if rt.logFile != nil {
		_ = rt.logFile.Close()
	}

	if rt.svc.Events != nil {
		rt.svc.Events.Emit(events.Event{
			Type:       events.WorkflowComplete,
			SessionID:  rt.sessionID,
			WorkflowID: rt.id.String(),
			Payload: events.CompletePayload{
				WorkflowType: rt.def.Type(),
				Status:       string(status),
				Output:       res.Output,
				Reason:       reason,
			},
		})
	}
	if rt.onTerminal != nil {
		rt.onTerminal(rt, res)
	}
	close(rt.done)
	return res
}

// ============================================================================
// Phase-code surface (called by definitions)
// ============================================================================

// Agent returns the agent allocated for roleID, requesting one from the pool
// on first use. A benched agent for the role is promoted instead.
func (rt *Runtime) Agent(ctx context.Context, roleID string) (string, error) {
	rt.mu.Lock()
	if name, ok := rt.agents[roleID]; ok {
		if rt.benched[name] {
			delete(rt.benched, name)
			rt.mu.Unlock()
			if err := rt.svc.Pool.Promote(name); err != nil {
				return "", err
			}
			return name, nil
		}
		rt.mu.Unlock()
		return name, nil
	}
	rt.mu.Unlock()

	name, err := rt.svc.Pool.Request(ctx, rt.id.String(), roleID, rt.priority)
	if err != nil {
		return "", err
	}
	rt.mu.Lock()
	rt.agents[roleID] = name
	rt.mu.Unlock()
	return name, nil
}

// BenchAgent parks the role's agent for later promotion.
func (rt *Runtime) BenchAgent(roleID string) error {
	rt.mu.Lock()
	name, ok := rt.agents[roleID]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("no agent held for role %q", roleID)
	}
	if err := rt.svc.Pool.Bench(name); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.benched[name] = true
	rt.mu.Unlock()
	return nil
}

// BenchOrReleaseAgent parks the role's agent when the pool still has a free
// seat for the next request, and releases it outright when it does not. A
// benched agent in a fully busy pool would starve the very request that
// comes next.
func (rt *Runtime) BenchOrReleaseAgent(roleID string) error {
	if rt.svc.Pool.Status().Available > 0 {
		return rt.BenchAgent(roleID)
	}
	return rt.ReleaseAgent(roleID)
}

// ReleaseAgent returns the role's agent to the pool.
func (rt *Runtime) ReleaseAgent(roleID string) error {
	rt.mu.Lock()
	name, ok := rt.agents[roleID]
	if ok {
		delete(rt.agents, roleID)
		delete(rt.benched, name)
	}
	rt.mu.Unlock()
	if !ok {
		return nil
	}
	return rt.svc.Pool.Release(name)
}

// DeclareOccupancy claims tasks for this workflow and remembers the claim so
// a pause/resume cycle can reacquire it.
func (rt *Runtime) DeclareOccupancy(taskIDs []string, mode task.Mode, reason string) error {
	if err := rt.svc.Occupancy.Declare(rt.id.String(), taskIDs, mode, reason); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.lastOcc = &occupancyDecl{TaskIDs: taskIDs, Mode: mode, Reason: reason}
	rt.mu.Unlock()
	return nil
}

// ReleaseOccupancy drops all of this workflow's task claims.
func (rt *Runtime) ReleaseOccupancy() {
	rt.svc.Occupancy.ReleaseAll(rt.id.String())
	rt.mu.Lock()
	rt.lastOcc = nil
	rt.mu.Unlock()
}

// DeclareConflict registers a standing conflict claim for reconciliation.
func (rt *Runtime) DeclareConflict(taskIDs []string, resolution task.Resolution, reason string) {
	rt.svc.Conflicts.Declare(task.Declaration{
		WorkflowID: rt.id.String(),
		SessionID:  rt.sessionID,
		TaskIDs:    taskIDs,
		Resolution: resolution,
		Reason:     reason,
	})
}

// ClearConflict removes this workflow's conflict claim.
func (rt *Runtime) ClearConflict() {
	rt.svc.Conflicts.Clear(rt.id.String())
}

// CheckAbortIfOccupied returns ErrAbortedOccupied when any of the tasks is
// occupied by another workflow.
func (rt *Runtime) CheckAbortIfOccupied(taskIDs []string) error {
	for _, taskID := range taskIDs {
		for _, occ := range rt.svc.Occupancy.Occupants(taskID) {
			if occ.WorkflowID != rt.id.String() {
				return fmt.Errorf("%w: %s held by %s", ErrAbortedOccupied, taskID, occ.WorkflowID)
			}
		}
	}
	return nil
}

// WaitForTasksFree blocks until no other workflow occupies any of the tasks.
// The workflow reports blocked while waiting and wakes on reconciliation
// nudges.
func (rt *Runtime) WaitForTasksFree(ctx context.Context, taskIDs []string) error {
	blocked := false
	defer func() {
		if blocked {
			rt.mu.Lock()
			rt.setStatusLocked(StatusRunning)
			rt.mu.Unlock()
		}
	}()

	for {
		if rt.tasksFree(taskIDs) {
			return nil
		}
		if !blocked {
			blocked = true
			rt.mu.Lock()
			rt.setStatusLocked(StatusBlocked)
			phase := rt.currentPhaseLocked()
			rt.mu.Unlock()
			rt.persist()
			rt.emitProgress(phase, StatusBlocked, "waiting for occupied tasks")
			rt.logf("blocked: waiting for tasks %v", taskIDs)
		}
		select {
		case <-rt.nudgeCh:
		case <-rt.pauseCh:
			return errPauseInterrupt
		case <-time.After(time.Second):
			// Fallback poll in case a nudge was missed.
		case <-ctx.Done():
			return ctx.Err()
		}
		if rt.isCancelled() {
			return ErrWorkflowCancelled
		}
	}
}

func (rt *Runtime) tasksFree(taskIDs []string) bool {
	for _, taskID := range taskIDs {
		for _, occ := range rt.svc.Occupancy.Occupants(taskID) {
			if occ.WorkflowID != rt.id.String() {
				return false
			}
		}
	}
	return true
}

// RunAgent spawns the role's agent with the prompt and waits for its
// completion signal. The signal is authoritative: process exit without a
// signal becomes AgentNoCallbackError after a short grace period.
func (rt *Runtime) RunAgent(ctx context.Context, phase Phase, roleID, taskID, text string) (signalbus.Signal, error) {
	agent, err := rt.Agent(ctx, roleID)
	if err != nil {
		return signalbus.Signal{}, err
	}

	prompt := runner.Prompt{
		SessionID:      rt.sessionID,
		WorkflowID:     rt.id.String(),
		Stage:          phase.Stage,
		TaskID:         taskID,
		RoleID:         roleID,
		AgentName:      agent,
		Text:           text,
		WorkDir:        rt.svc.Layout.SessionDir(rt.sessionID),
		TranscriptPath: rt.svc.Layout.AgentLogPath(rt.sessionID, rt.id.String(), agent),
	}
	proc, err := rt.svc.Runner.Spawn(ctx, prompt)
	if err != nil {
		return signalbus.Signal{}, fmt.Errorf("spawn %s for %s: %w", agent, phase.Stage, err)
	}
	rt.addProc(proc)
	defer rt.removeProc(proc)
	rt.logf("agent %s running %s%s", agent, phase.Stage, taskSuffix(taskID))

	// Watch the process: if it exits and no signal follows within the grace
	// period, cancel the pending wait so the retry path can take over. The
	// identity check keeps a stale watcher from cancelling a later attempt.
	procExit := make(chan error, 1)
	log.SafeGo("workflow.procwatch:"+rt.id.String(), func() {
		exitErr := proc.Wait(context.Background())
		procExit <- exitErr
		time.Sleep(callbackGrace)
		if rt.hasProc(proc) {
			rt.svc.Signals.CancelPending(rt.id.String(), phase.Stage, taskID)
		}
	})

	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	rt.beginWait()
	sig, err := rt.svc.Signals.Wait(ctx, rt.sessionID, rt.id.String(), phase.Stage, taskID, timeout)
	rt.endWait()
	if err != nil {
		_ = proc.Kill()
		if rt.pauseRequested() {
			return signalbus.Signal{}, errPauseInterrupt
		}
		if rt.isCancelled() {
			return signalbus.Signal{}, ErrWorkflowCancelled
		}
		if errors.Is(err, signalbus.ErrAwaitCancelled) {
			var exitErr error
			select {
			case exitErr = <-procExit:
			default:
			}
			return signalbus.Signal{}, &AgentNoCallbackError{Agent: agent, Stage: phase.Stage, Err: exitErr}
		}
		return signalbus.Signal{}, err
	}
	rt.logf("agent %s completed %s: %s", agent, phase.Stage, sig.Result)
	return sig, nil
}

// AwaitSignal waits for an externally delivered completion signal, such as a
// pipeline callback, without spawning an agent.
func (rt *Runtime) AwaitSignal(ctx context.Context, stage, taskID string, timeout time.Duration) (signalbus.Signal, error) {
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	rt.beginWait()
	sig, err := rt.svc.Signals.Wait(ctx, rt.sessionID, rt.id.String(), stage, taskID, timeout)
	rt.endWait()
	if err != nil {
		if rt.pauseRequested() {
			return signalbus.Signal{}, errPauseInterrupt
		}
		if rt.isCancelled() {
			return signalbus.Signal{}, ErrWorkflowCancelled
		}
		return signalbus.Signal{}, err
	}
	return sig, nil
}

// RewindTo schedules the workflow to loop back to the named phase after the
// current phase completes. Each target counts its rewinds against cap.
func (rt *Runtime) RewindTo(phaseName string, cap int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, p := range rt.phases {
		if p.Name == phaseName {
			if rt.rewinds[phaseName] >= cap {
				return fmt.Errorf("%w: %s rewound %d times", ErrRewindLimit, phaseName, rt.rewinds[phaseName])
			}
			rt.rewinds[phaseName]++
			rt.rewindTarget = i
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownPhase, phaseName)
}

// EmitProgress lets definitions report sub-phase progress.
func (rt *Runtime) EmitProgress(message string) {
	rt.mu.Lock()
	phase := rt.currentPhaseLocked()
	status := rt.status
	rt.mu.Unlock()
	rt.emitProgress(phase, status, message)
}

// Logf appends a timestamped line to the workflow's log file.
func (rt *Runtime) Logf(format string, args ...any) {
	rt.logf(format, args...)
}

// ============================================================================
// Internals
// ============================================================================

func (rt *Runtime) setStatusLocked(target Status) {
	if rt.status == target {
		return
	}
	if !rt.status.CanTransitionTo(target) {
		log.Warn(log.CatWF, "invalid status transition",
			"workflow", rt.id, "from", string(rt.status), "to", string(target))
	}
	rt.status = target
}

func (rt *Runtime) currentPhaseLocked() Phase {
	if rt.phaseIdx < len(rt.phases) {
		return rt.phases[rt.phaseIdx]
	}
	if len(rt.phases) > 0 {
		return rt.phases[len(rt.phases)-1]
	}
	return Phase{}
}

func (rt *Runtime) currentPhaseNameLocked() string {
	return rt.currentPhaseLocked().Name
}

func (rt *Runtime) pauseRequested() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pauseReq
}

func (rt *Runtime) isCancelled() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cancelled
}

func (rt *Runtime) takeCancelReason() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancelReason != "" {
		return rt.cancelReason
	}
	return "cancelled"
}

func (rt *Runtime) beginWait() {
	rt.mu.Lock()
	rt.waits++
	rt.mu.Unlock()
}

func (rt *Runtime) endWait() {
	rt.mu.Lock()
	rt.waits--
	rt.mu.Unlock()
}

func (rt *Runtime) addProc(p runner.Process) {
	rt.mu.Lock()
	rt.procs[p] = struct{}{}
	rt.mu.Unlock()
}

func (rt *Runtime) removeProc(p runner.Process) {
	rt.mu.Lock()
	delete(rt.procs, p)
	rt.mu.Unlock()
}

func (rt *Runtime) hasProc(p runner.Process) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.procs[p]
	return ok
}

func (rt *Runtime) emitProgress(phase Phase, status Status, message string) {
	if rt.svc.Events == nil {
		return
	}
	rt.mu.Lock()
	idx := rt.phaseIdx
	total := len(rt.phases)
	taskID := rt.input.String("task_id")
	rt.mu.Unlock()
	pct := 0.0
	if total > 0 {
		pct = float64(idx) / float64(total)
	}
	rt.svc.Events.Emit(events.Event{
		Type:       events.WorkflowProgress,
		SessionID:  rt.sessionID,
		WorkflowID: rt.id.String(),
		Payload: events.ProgressPayload{
			WorkflowType: rt.def.Type(),
			Phase:        phase.Name,
			PhaseIndex:   idx,
			PhaseCount:   total,
			Percentage:   pct,
			Status:       string(status),
			Message:      message,
			TaskID:       taskID,
		},
	})
}

func (rt *Runtime) openLog() {
	path := rt.svc.Layout.WorkflowLogPath(rt.sessionID, rt.id.String())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path comes from the session layout
	if err != nil {
		log.Warn(log.CatWF, "cannot open workflow log", "workflow", rt.id, "err", err)
		return
	}
	rt.mu.Lock()
	rt.logFile = f
	rt.mu.Unlock()
}

// logf writes one line to the workflow's log file and mirrors it to the
// daemon log. Callers must not hold rt.mu.
func (rt *Runtime) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Debug(log.CatWF, msg, "workflow", rt.id)
	rt.mu.Lock()
	f := rt.logFile
	rt.mu.Unlock()
	if f == nil {
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().Format(time.RFC3339), msg)
	_, _ = f.WriteString(line)
}

func taskSuffix(taskID string) string {
	if taskID == "" {
		return ""
	}
	return " for " + taskID
}

var filePathPattern = regexp.MustCompile(`[A-Za-z0-9_.-]+(?:/[A-Za-z0-9_.-]+)+\.[A-Za-z0-9]+`)

// extractFilePaths pulls path-like tokens from output lines, deduplicated in
// first-seen order.
func extractFilePaths(lines []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range lines {
		for _, m := range filePathPattern.FindAllString(line, -1) {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}
