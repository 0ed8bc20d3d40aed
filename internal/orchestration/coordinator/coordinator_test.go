package coordinator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/infrastructure/sqlite"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/registry"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/runner"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/workflow"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/paths"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/sessions/domain"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/tracing"
)

// harness bundles a coordinator with its backing services.
type harness struct {
	coord *Coordinator
	mock  *runner.MockRunner
	svc   workflow.Services
	reg   *registry.Registry
	repo  domain.SessionRepository
}

func newHarness(t *testing.T, poolSize int) *harness {
	return newHarnessTracer(t, poolSize, nil)
}

func newHarnessTracer(t *testing.T, poolSize int, tracer trace.Tracer) *harness {
	t.Helper()
	mock := runner.NewMockRunner()
	bus := events.NewBus()
	p, err := pool.New(poolSize, bus)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	svc := workflow.Services{
		Pool:      p,
		Tasks:     task.NewRegistry(),
		Occupancy: task.NewOccupancyTable(),
		Conflicts: task.NewConflictTable(),
		Signals:   signalbus.New(30*time.Second, 64),
		Runner:    mock,
		Events:    bus,
		Layout:    paths.Layout{DataDir: t.TempDir()},
	}
	db, err := sqlite.NewDB(svc.Layout.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.NewWithBuiltins()
	coord, err := New(Config{
		Services:     svc,
		Registry:     reg,
		Sessions:     db.SessionRepository(),
		Retry:        workflow.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		EvalInterval: 10 * time.Millisecond,
		Tracer:       tracer,
	})
	require.NoError(t, err)
	return &harness{coord: coord, mock: mock, svc: svc, reg: reg, repo: db.SessionRepository()}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.coord.Start(ctx))
}

// agentGate captures spawned agents so tests control when each one reports.
type agentGate struct {
	mu      sync.Mutex
	procs   map[string]*runner.MockProcess // by workflow id
	spawned chan runner.Prompt
}

func newAgentGate(h *harness) *agentGate {
	g := &agentGate{
		procs:   make(map[string]*runner.MockProcess),
		spawned: make(chan runner.Prompt, 16),
	}
	h.mock.OnSpawn = func(p runner.Prompt, proc *runner.MockProcess) {
		g.mu.Lock()
		g.procs[p.WorkflowID] = proc
		g.mu.Unlock()
		g.spawned <- p
	}
	return g
}

func (g *agentGate) awaitSpawn(t *testing.T) runner.Prompt {
	t.Helper()
	select {
	case p := <-g.spawned:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no agent spawned")
		return runner.Prompt{}
	}
}

// finish completes the workflow's current agent with the given result.
func (g *agentGate) finish(t *testing.T, h *harness, p runner.Prompt, result string) {
	t.Helper()
	require.NoError(t, h.coord.DeliverCompletion(signalbus.Signal{
		SessionID:  p.SessionID,
		WorkflowID: p.WorkflowID,
		Stage:      p.Stage,
		TaskID:     p.TaskID,
		Result:     result,
	}))
	g.mu.Lock()
	proc := g.procs[p.WorkflowID]
	g.mu.Unlock()
	require.NotNil(t, proc)
	proc.Exit(nil)
}

// holdDef runs one agent-backed phase, optionally declaring tables first.
// The test decides when the agent reports, so the workflow holds its pool
// slot until then.
type holdDef struct {
	typ      string
	priority int
	body     func(ctx context.Context, rt *workflow.Runtime) error
}

func (d *holdDef) Type() string { return d.typ }
func (d *holdDef) Priority() int {
	if d.priority == 0 {
		return workflow.PriorityTask
	}
	return d.priority
}
func (d *holdDef) Phases() []workflow.Phase {
	return []workflow.Phase{{Name: "hold", Stage: workflow.StageImplement}}
}
func (d *holdDef) Execute(ctx context.Context, rt *workflow.Runtime, phase workflow.Phase) error {
	if d.body != nil {
		if err := d.body(ctx, rt); err != nil {
			return err
		}
	}
	_, err := rt.RunAgent(ctx, phase, "worker", "", "hold")
	return err
}

func registerHold(h *harness, typeName string, priority int, body func(context.Context, *workflow.Runtime) error) {
	h.reg.Register(typeName, func(workflow.Input) (workflow.Definition, error) {
		return &holdDef{typ: typeName, priority: priority, body: body}, nil
	})
}

func TestCoordinator_DispatchUnknownType(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.coord.Dispatch("s1", "no_such_type", nil)
	require.ErrorIs(t, err, registry.ErrUnknownType)
	assert.Zero(t, h.coord.PendingCount())
}

func TestCoordinator_DispatchValidatesInput(t *testing.T) {
	h := newHarness(t, 2)
	_, err := h.coord.Dispatch("s1", workflow.TypeTaskImpl, workflow.Input{})
	require.Error(t, err, "task_implementation without a task_id must fail at dispatch")
	assert.Zero(t, h.coord.PendingCount())
}

func TestCoordinator_AdmitsByPriorityThenFIFO(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.svc.Layout.EnsureSessionDirs("s1"))
	gate := newAgentGate(h)

	registerHold(h, "hold_first", workflow.PriorityTask, nil)
	registerHold(h, "hold_low", workflow.PriorityContext, nil)
	registerHold(h, "hold_mid", workflow.PriorityTask, nil)
	registerHold(h, "hold_high", workflow.PriorityRevision, nil)

	h.start(t)

	// Saturate the single slot first so the rest queue up.
	types := make(map[string]string)
	id, err := h.coord.Dispatch("s1", "hold_first", nil)
	require.NoError(t, err)
	types[id.String()] = "hold_first"
	first := gate.awaitSpawn(t)

	for _, typ := range []string{"hold_low", "hold_mid", "hold_high"} {
		id, err := h.coord.Dispatch("s1", typ, nil)
		require.NoError(t, err)
		types[id.String()] = typ
	}

	var order []string
	gate.finish(t, h, first, "success")
	for i := 0; i < 3; i++ {
		p := gate.awaitSpawn(t)
		order = append(order, types[p.WorkflowID])
		gate.finish(t, h, p, "success")
	}

	assert.Equal(t, []string{"hold_high", "hold_mid", "hold_low"}, order,
		"lowest priority value first, FIFO within equal priority")
}

func TestCoordinator_RecordsControlPlaneSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarnessTracer(t, 2, tp.Tracer("test"))
	require.NoError(t, h.svc.Layout.EnsureSessionDirs("s1"))
	gate := newAgentGate(h)
	registerHold(h, "hold_traced", workflow.PriorityTask, nil)
	h.start(t)

	id, err := h.coord.Dispatch("s1", "hold_traced", nil)
	require.NoError(t, err)
	p := gate.awaitSpawn(t)
	gate.finish(t, h, p, "success")
	require.Eventually(t, func() bool {
		_, ok := h.coord.Workflow(id)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	byName := make(map[string]tracetest.SpanStub)
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = s
	}
	dispatch, ok := byName[tracing.SpanPrefixWorkflow+"dispatch"]
	require.True(t, ok, "dispatch span recorded")
	attrs := make(map[string]string)
	for _, kv := range dispatch.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "s1", attrs[tracing.AttrSessionID])
	assert.Equal(t, id.String(), attrs[tracing.AttrWorkflowID])
	assert.Equal(t, "hold_traced", attrs[tracing.AttrWorkflowType])

	_, ok = byName[tracing.SpanPrefixWorkflow+"admit"]
	assert.True(t, ok, "admit span recorded")
	_, ok = byName[tracing.SpanPrefixAgent+"completion"]
	assert.True(t, ok, "completion span recorded")
}

func TestCoordinator_DeliverCompletionValidation(t *testing.T) {
	h := newHarness(t, 2)

	err := h.coord.DeliverCompletion(signalbus.Signal{
		SessionID: "s1", WorkflowID: "wf-x", Stage: "bogus", Result: "success",
	})
	require.Error(t, err)

	err = h.coord.DeliverCompletion(signalbus.Signal{
		SessionID: "s1", WorkflowID: "wf-x", Stage: workflow.StageReview, Result: "success",
	})
	require.Error(t, err, "review accepts approved/changes_requested only")

	err = h.coord.DeliverCompletion(signalbus.Signal{
		SessionID: "s1", WorkflowID: "wf-x", Stage: workflow.StageImplement,
		Result: "success", Data: []byte("{not json"),
	})
	require.Error(t, err)

	err = h.coord.DeliverCompletion(signalbus.Signal{
		SessionID: "s1", WorkflowID: "wf-x", Stage: workflow.StageAnalysis, Result: "critical",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.svc.Signals.RetainedCount())
}

func TestValidResult(t *testing.T) {
	assert.True(t, ValidResult(workflow.StageImplement, "success"))
	assert.True(t, ValidResult(workflow.StageImplement, "failed"))
	assert.True(t, ValidResult(workflow.StageReview, "changes_requested"))
	assert.True(t, ValidResult(workflow.StageAnalysis, "minor"))
	assert.False(t, ValidResult(workflow.StageAnalysis, "success"))
	assert.False(t, ValidResult(workflow.StageImplement, "approved"))
	assert.False(t, ValidResult("bogus", "success"))
}

func TestCoordinator_PauseOthersForcesOccupantsOut(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.svc.Layout.EnsureSessionDirs("s1"))
	writePlan(t, h, "s1", "- [ ] s1_T1: first | deps: - | files: -\n")
	_, err := h.svc.Tasks.LoadPlan("s1", h.svc.Layout.PlanPath("s1"))
	require.NoError(t, err)
	gate := newAgentGate(h)

	registerHold(h, "hold_task", workflow.PriorityTask, func(_ context.Context, rt *workflow.Runtime) error {
		return rt.DeclareOccupancy([]string{"s1_T1"}, task.ModeExclusive, "working")
	})
	registerHold(h, "pause_all", workflow.PriorityRevision, func(_ context.Context, rt *workflow.Runtime) error {
		rt.DeclareConflict([]string{task.Wildcard}, task.ResolutionPauseOthers, "replanning")
		return nil
	})

	h.start(t)

	occID, err := h.coord.Dispatch("s1", "hold_task", nil)
	require.NoError(t, err)
	gate.awaitSpawn(t)

	_, err = h.coord.Dispatch("s1", "pause_all", nil)
	require.NoError(t, err)
	declarer := gate.awaitSpawn(t)

	// Reconciliation forces the occupant out while the declaration stands.
	require.Eventually(t, func() bool {
		rt, ok := h.coord.Workflow(occID)
		return ok && rt.Status() == workflow.StatusPaused
	}, 5*time.Second, 10*time.Millisecond, "occupant was never paused")
	assert.Empty(t, h.svc.Occupancy.Occupants("s1_T1"), "pause releases the occupied task")

	// Declarer finishes; the occupant resumes and re-runs its phase.
	gate.finish(t, h, declarer, "success")
	resumed := gate.awaitSpawn(t)
	assert.Equal(t, occID.String(), resumed.WorkflowID)

	gate.finish(t, h, resumed, "success")
	require.Eventually(t, func() bool {
		_, ok := h.coord.Workflow(occID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoordinator_StopPausesLiveWorkflows(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.svc.Layout.EnsureSessionDirs("s1"))
	gate := newAgentGate(h)
	registerHold(h, "hold_open", workflow.PriorityTask, nil)

	h.start(t)
	id, err := h.coord.Dispatch("s1", "hold_open", nil)
	require.NoError(t, err)
	gate.awaitSpawn(t)

	rt, ok := h.coord.Workflow(id)
	require.True(t, ok)

	h.coord.Stop()
	assert.Equal(t, workflow.StatusPaused, rt.Status())

	// The paused workflow's state file must survive shutdown for recovery.
	st, err := workflow.LoadStateFile(h.svc.Layout.WorkflowStatePath("s1", id.String()))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPaused, st.Status)
	assert.Equal(t, "hold_open", st.Type)
}

func TestCoordinator_FailedTaskWorkflowMarksTask(t *testing.T) {
	h := newHarness(t, 4)
	gate := newAgentGate(h)
	h.start(t)

	guid := seedExecutingSession(t, h, "- [ ] %g_T1: only task | deps: - | files: -\n")

	// Two failed implementation reports exhaust the retry budget.
	for i := 0; i < 2; i++ {
		p := gate.awaitSpawn(t)
		require.Equal(t, workflow.StageImplement, p.Stage)
		gate.finish(t, h, p, "failed")
	}

	require.Eventually(t, func() bool {
		for _, tk := range h.svc.Tasks.List(guid) {
			if tk.ID == guid+"_T1" && tk.Status == task.StatusFailed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "task was never marked failed")

	// A plan whose every task is terminal completes the session even when
	// some of those tasks failed.
	waitForSession(t, h, guid, domain.SessionStatusCompleted)
}

func TestCoordinator_DependencyOrderedDispatch(t *testing.T) {
	h := newHarness(t, 4)
	gate := newAgentGate(h)
	h.start(t)

	guid := seedExecutingSession(t, h,
		"- [ ] %g_T1: base | deps: - | files: -\n"+
			"- [ ] %g_T2: dependent | deps: %g_T1 | files: -\n")

	p := gate.awaitSpawn(t)
	require.Equal(t, workflow.StageImplement, p.Stage)
	require.Equal(t, guid+"_T1", p.TaskID, "T2 must not start before T1 finishes")

	runTaskToCompletion(t, h, gate, p)

	// T1 terminal unblocks T2.
	p2 := awaitStage(t, gate, workflow.StageImplement)
	require.Equal(t, guid+"_T2", p2.TaskID)
	runTaskToCompletion(t, h, gate, p2)

	waitForSession(t, h, guid, domain.SessionStatusCompleted)
}

func TestCoordinator_RecoverRebuildsState(t *testing.T) {
	h := newHarness(t, 4)

	// An executing session that crashed mid-flight.
	guid := "s-recover1"
	require.NoError(t, h.svc.Layout.EnsureSessionDirs(guid))
	writePlan(t, h, guid, "- [ ] "+guid+"_T1: pending work | deps: - | files: -\n")
	sess := domain.NewSession(guid, "recover", "recover me")
	sess.SetSessionDir(h.svc.Layout.SessionDir(guid))
	sess.SetPlanPath(h.svc.Layout.PlanPath(guid))
	require.NoError(t, sess.TransitionTo(domain.SessionStatusReviewing))
	require.NoError(t, sess.TransitionTo(domain.SessionStatusApproved))
	require.NoError(t, sess.TransitionTo(domain.SessionStatusExecuting))
	require.NoError(t, h.repo.Save(sess))

	// One resumable workflow state file and one terminal leftover.
	live := workflow.PersistedState{
		ID:        workflow.NewID(),
		SessionID: guid,
		Type:      workflow.TypeTaskImpl,
		Status:    workflow.StatusRunning,
		Priority:  workflow.PriorityTask,
		Input:     workflow.Input{"task_id": guid + "_T1"},
	}
	writeStateFile(t, h, guid, live)
	done := workflow.PersistedState{
		ID:        workflow.NewID(),
		SessionID: guid,
		Type:      workflow.TypeTaskImpl,
		Status:    workflow.StatusCompleted,
		Priority:  workflow.PriorityTask,
		Input:     workflow.Input{"task_id": guid + "_T1"},
	}
	writeStateFile(t, h, guid, done)

	require.NoError(t, h.coord.Recover())

	require.Equal(t, domain.SessionStatusPaused, sessionStatus(t, h, guid),
		"an executing session recovers paused")
	require.Equal(t, 1, h.coord.PendingCount(), "terminal state files are discarded")
	_, err := os.Stat(h.svc.Layout.WorkflowStatePath(guid, done.ID.String()))
	require.True(t, os.IsNotExist(err), "terminal state file should be removed")
	require.Len(t, h.svc.Tasks.List(guid), 1, "plan reloads during recovery")

	// Admission parks the recovered workflow paused until the session resumes.
	h.coord.Evaluate()
	require.Eventually(t, func() bool {
		rt, ok := h.coord.Workflow(live.ID)
		return ok && rt.Status() == workflow.StatusPaused
	}, 5*time.Second, 10*time.Millisecond, "recovered workflow should park paused")
}

// ============================================================================
// Shared helpers
// ============================================================================

func writePlan(t *testing.T, h *harness, guid, content string) {
	t.Helper()
	require.NoError(t, h.svc.Layout.EnsureSessionDirs(guid))
	require.NoError(t, os.WriteFile(h.svc.Layout.PlanPath(guid), []byte(content), 0644))
}

func writeStateFile(t *testing.T, h *harness, guid string, st workflow.PersistedState) {
	t.Helper()
	require.NoError(t, workflow.WriteStateFile(h.svc.Layout.WorkflowStatePath(guid, st.ID.String()), st))
}

func sessionStatus(t *testing.T, h *harness, guid string) domain.SessionStatus {
	t.Helper()
	sess, err := h.repo.FindByGUID(guid)
	require.NoError(t, err)
	return sess.Status()
}

func waitForSession(t *testing.T, h *harness, guid string, want domain.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sessionStatus(t, h, guid) == want
	}, 10*time.Second, 10*time.Millisecond, "session never reached %s", want)
}

// seedExecutingSession persists an approved session with the given plan
// (%g expands to the guid) and starts execution.
func seedExecutingSession(t *testing.T, h *harness, planTemplate string) string {
	t.Helper()
	guid := NewSessionGUID()
	require.NoError(t, h.svc.Layout.EnsureSessionDirs(guid))

	plan := expandGUID(planTemplate, guid)
	writePlan(t, h, guid, plan)

	sess := domain.NewSession(guid, "exec", "run the plan")
	sess.SetSessionDir(h.svc.Layout.SessionDir(guid))
	sess.SetPlanPath(h.svc.Layout.PlanPath(guid))
	require.NoError(t, sess.TransitionTo(domain.SessionStatusReviewing))
	require.NoError(t, sess.TransitionTo(domain.SessionStatusApproved))
	require.NoError(t, h.repo.Save(sess))

	require.NoError(t, h.coord.StartExecution(guid))
	return guid
}

func expandGUID(template, guid string) string {
	out := ""
	for i := 0; i < len(template); i++ {
		if template[i] == '%' && i+1 < len(template) && template[i+1] == 'g' {
			out += guid
			i++
			continue
		}
		out += string(template[i])
	}
	return out
}

// awaitStage consumes spawns until one matches the wanted stage.
func awaitStage(t *testing.T, gate *agentGate, stage string) runner.Prompt {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case p := <-gate.spawned:
			if p.Stage == stage {
				return p
			}
			t.Fatalf("unexpected %s agent while waiting for %s", p.Stage, stage)
		case <-deadline:
			t.Fatalf("no %s agent spawned", stage)
		}
	}
}

// runTaskToCompletion walks one task workflow's agents through the happy
// path, starting from its already-spawned implementation agent.
func runTaskToCompletion(t *testing.T, h *harness, gate *agentGate, impl runner.Prompt) {
	t.Helper()
	gate.finish(t, h, impl, "success")
	for {
		p := gate.awaitSpawn(t)
		if p.WorkflowID != impl.WorkflowID {
			t.Fatalf("unexpected agent for workflow %s during task run", p.WorkflowID)
		}
		switch p.Stage {
		case workflow.StageReview:
			gate.finish(t, h, p, "approved")
		case workflow.StageDeltaContext:
			gate.finish(t, h, p, "success")
		case workflow.StageFinalize:
			gate.finish(t, h, p, "success")
			return
		default:
			t.Fatalf("unexpected stage %s during task run", p.Stage)
		}
	}
}
