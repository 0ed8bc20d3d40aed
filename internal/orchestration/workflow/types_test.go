package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/runner"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
)

// scriptAgents wires a mock runner so every spawned agent runs the script
// and reports its result through the signal bus, the way a real subprocess
// would call `apc agent complete`.
func scriptAgents(svc Services, script func(p runner.Prompt) (result, data string)) func(runner.Prompt, *runner.MockProcess) {
	return func(p runner.Prompt, proc *runner.MockProcess) {
		go func() {
			result, data := script(p)
			_ = svc.Signals.Deliver(signalbus.Signal{
				SessionID:  p.SessionID,
				WorkflowID: p.WorkflowID,
				Stage:      p.Stage,
				TaskID:     p.TaskID,
				Result:     result,
				Data:       json.RawMessage(data),
			})
			proc.Exit(nil)
		}()
	}
}

func TestPlanning_CriticalAnalysisLoopsThenShips(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	var analyses atomic.Int32
	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.Stage {
		case StagePlanning:
			writePlanFile(t, svc, p.SessionID,
				"- [ ] s1_T1: build the widget | deps: - | files: widget.go\n"+
					"- [ ] s1_T2: test the widget | deps: s1_T1 | files: widget_test.go\n")
			return "success", `{}`
		case StageAnalysis:
			if analyses.Add(1) == 1 {
				return "success", `{"verdict": "critical", "findings": ["T2 depends on nothing testable"]}`
			}
			return "success", `{"verdict": "ok"}`
		default:
			return "success", `{"summary": "plan shipped"}`
		}
	})

	rt := startRuntime(t, svc, NewPlanning(), Input{"request": "build a widget"})
	res := waitDone(t, rt)

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(6), analyses.Load(),
		"three analysts per round, and a critical verdict sends the plan back once")
	assert.Len(t, svc.Tasks.List("s1"), 2)
	assert.Equal(t, 2, res.Output["task_count"])
	assert.Equal(t, 2, res.Output["iterations"])
	assert.Equal(t, false, res.Output["forcedFinalize"])
	assert.Equal(t, svc.Layout.PlanPath("s1"), res.Output["planPath"])
	assert.Equal(t, "plan shipped", res.Output["summary"])
}

func TestPlanning_RewindCapShipsAnyway(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.Stage {
		case StagePlanning:
			writePlanFile(t, svc, p.SessionID, "- [ ] s1_T1: only | deps: - | files: -\n")
			return "success", `{}`
		case StageAnalysis:
			// Never satisfied.
			return "success", `{"verdict": "critical"}`
		default:
			return "success", `{}`
		}
	})

	res := waitDone(t, startRuntime(t, svc, NewPlanning(), Input{"request": "r"}))

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, true, res.Output["forcedFinalize"])
	assert.Equal(t, 3, res.Output["iterations"], "cap of two rewrites after the first draft")
}

func TestTaskImpl_HappyPath(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	writePlanFile(t, svc, "s1", "- [ ] s1_T1: build it | deps: - | files: a.go\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.RoleID {
		case "implementer":
			if p.Stage == StageDeltaContext {
				return "success", `{"delta": "added a.go"}`
			}
			if p.Stage == StageFinalize {
				return "success", `{"summary": "task done"}`
			}
			return "success", `{"summary": "implemented"}`
		case "reviewer":
			return "success", `{"verdict": "pass"}`
		case "approver":
			return "success", `{"verdict": "approved"}`
		}
		return "success", `{}`
	})

	rt := startRuntime(t, svc, NewTaskImpl(), Input{"task_id": "s1_T1"})
	res := waitDone(t, rt)

	require.Equal(t, StatusCompleted, res.Status)
	got, err := svc.Tasks.Get("s1_T1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "added a.go", res.Output["delta_context"])
	assert.Empty(t, svc.Occupancy.HeldBy(rt.ID().String()))
	assert.Equal(t, 0, svc.Pool.Status().Busy)
	assert.Equal(t, 0, svc.Pool.Status().Benched)

	_, hasConflict := svc.Conflicts.Get(rt.ID().String())
	assert.False(t, hasConflict, "conflict claim cleared on completion")
}

func TestTaskImpl_ReviewRejectReusesImplementer(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	writePlanFile(t, svc, "s1", "- [ ] s1_T1: build it | deps: - | files: -\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	var reviews atomic.Int32
	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.RoleID {
		case "reviewer":
			if reviews.Add(1) == 1 {
				return "success", `{"verdict": "fail", "findings": "missing error handling"}`
			}
			return "success", `{"verdict": "pass"}`
		case "approver":
			return "success", `{"verdict": "approved"}`
		default:
			return "success", `{"summary": "ok", "delta": "d"}`
		}
	})

	res := waitDone(t, startRuntime(t, svc, NewTaskImpl(), Input{"task_id": "s1_T1"}))
	require.Equal(t, StatusCompleted, res.Status)

	var implSpawns []runner.Prompt
	for _, p := range mock.Spawned() {
		if p.RoleID == "implementer" && p.Stage == StageImplement {
			implSpawns = append(implSpawns, p)
		}
	}
	require.Len(t, implSpawns, 2, "rejected review reruns implementation")
	assert.Equal(t, implSpawns[0].AgentName, implSpawns[1].AgentName,
		"the benched implementer handles the rework")
}

func TestTaskImpl_SingleAgentPoolCompletes(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServicesWithPool(t, mock, 1)
	writePlanFile(t, svc, "s1", "- [ ] s1_T1: build it | deps: - | files: -\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.RoleID {
		case "reviewer":
			return "success", `{"verdict": "pass"}`
		case "approver":
			return "success", `{"verdict": "approved"}`
		default:
			return "success", `{"summary": "ok", "delta": "d"}`
		}
	})

	// With one agent the implementer cannot stay benched through review; each
	// role takes the seat in turn.
	res := waitDone(t, startRuntime(t, svc, NewTaskImpl(), Input{"task_id": "s1_T1"}))

	require.Equal(t, StatusCompleted, res.Status)
	got, err := svc.Tasks.Get("s1_T1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 0, svc.Pool.Status().Busy)
	assert.Equal(t, 0, svc.Pool.Status().Benched)
}

func TestTaskImpl_ReviewCapCarriesFindingsForward(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	writePlanFile(t, svc, "s1", "- [ ] s1_T1: build it | deps: - | files: -\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	var reviews atomic.Int32
	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.RoleID {
		case "reviewer":
			reviews.Add(1)
			return "success", `{"verdict": "fail", "findings": "missing error handling"}`
		case "approver":
			return "success", `{"verdict": "approved"}`
		default:
			return "success", `{"summary": "ok", "delta": "d"}`
		}
	})

	// A reviewer that never approves must not sink the task; the unresolved
	// findings ride along and the pipeline stays the final gate.
	res := waitDone(t, startRuntime(t, svc, NewTaskImpl(), Input{"task_id": "s1_T1"}))

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(implementReviewCap+1), reviews.Load())
	assert.Equal(t, "missing error handling", res.Output["review_unresolved"])
	got, err := svc.Tasks.Get("s1_T1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestTaskImpl_PipelineCallback(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	writePlanFile(t, svc, "s1", "- [ ] s1_T1: build it | deps: - | files: - | pipeline: ci\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.RoleID {
		case "reviewer":
			return "success", `{"verdict": "pass"}`
		case "approver":
			return "success", `{"verdict": "approved"}`
		default:
			return "success", `{"summary": "ok", "delta": "d"}`
		}
	})

	rt := startRuntime(t, svc, NewTaskImpl(), Input{"task_id": "s1_T1"})

	// The pipeline reports through the same callback surface agents use.
	require.Eventually(t, func() bool {
		err := svc.Signals.Deliver(signalbus.Signal{
			SessionID:  "s1",
			WorkflowID: rt.ID().String(),
			Stage:      StageFinalize,
			TaskID:     "s1_T1",
			Result:     "success",
		})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	res := waitDone(t, rt)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "ci", res.Output["pipeline"])
}

func TestRevision_BacksUpPlanAndPausesSession(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	writePlanFile(t, svc, "s1", "- [ ] s1_T1: original | deps: - | files: -\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	sawWildcard := make(chan bool, 1)
	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.Stage {
		case StagePlanning:
			// With no tasks named by the analysis, the claim falls back to the
			// whole session and must be standing before the plan is touched.
			for _, d := range svc.Conflicts.All() {
				if d.Resolution == task.ResolutionPauseOthers && d.Covers("anything") {
					select {
					case sawWildcard <- true:
					default:
					}
				}
			}
			writePlanFile(t, svc, p.SessionID,
				"- [ ] s1_T1: original | deps: - | files: -\n"+
					"- [ ] s1_T2: added by revision | deps: s1_T1 | files: -\n")
			return "success", `{}`
		case StageReview:
			return "success", `{"verdict": "pass"}`
		default:
			return "success", `{"findings": "T1 unaffected"}`
		}
	})

	res := waitDone(t, startRuntime(t, svc, NewRevision(), Input{"request": "add T2"}))

	require.Equal(t, StatusCompleted, res.Status)
	assert.True(t, <-sawWildcard)
	assert.Len(t, svc.Tasks.List("s1"), 2)

	backups, err := os.ReadDir(filepath.Join(svc.Layout.BackupsDir("s1")))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	data, err := os.ReadFile(filepath.Join(svc.Layout.BackupsDir("s1"), backups[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "original")
	assert.NotContains(t, string(data), "added by revision")
	assert.Empty(t, svc.Conflicts.All(), "wildcard claim cleared on completion")
}

func TestRevision_ScopedRevisionPausesOnlyDependents(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	writePlanFile(t, svc, "s1",
		"- [ ] s1_T1: parser | deps: - | files: -\n"+
			"- [ ] s1_T2: widget | deps: - | files: -\n"+
			"- [ ] s1_T3: widget docs | deps: s1_T2 | files: -\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	coverage := make(chan [3]bool, 1)
	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		switch p.Stage {
		case StageAnalysis:
			return "success", `{"findings": "the widget changes", "affected_tasks": ["s1_T2"]}`
		case StagePlanning:
			for _, d := range svc.Conflicts.All() {
				if d.Resolution == task.ResolutionPauseOthers {
					select {
					case coverage <- [3]bool{d.Covers("s1_T1"), d.Covers("s1_T2"), d.Covers("s1_T3")}:
					default:
					}
				}
			}
			writePlanFile(t, svc, p.SessionID,
				"- [ ] s1_T1: parser | deps: - | files: -\n"+
					"- [ ] s1_T2: widget v2 | deps: - | files: -\n"+
					"- [ ] s1_T3: widget docs | deps: s1_T2 | files: -\n")
			return "success", `{}`
		case StageReview:
			return "success", `{"verdict": "pass"}`
		default:
			return "success", `{}`
		}
	})

	res := waitDone(t, startRuntime(t, svc, NewRevision(), Input{"request": "rework the widget"}))

	require.Equal(t, StatusCompleted, res.Status)
	got := <-coverage
	assert.False(t, got[0], "unrelated task stays out of the claim")
	assert.True(t, got[1], "named task is claimed")
	assert.True(t, got[2], "dependents of a named task are claimed")
	assert.Equal(t, []string{"s1_T2", "s1_T3"}, res.Output["affected_tasks"])
	assert.Empty(t, svc.Conflicts.All(), "claim cleared on completion")
}

func TestErrorRes_UpgradesOccupancyForFix(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	writePlanFile(t, svc, "s1", "- [ ] s1_T1: broken thing | deps: - | files: -\n")
	_, err := svc.Tasks.LoadPlan("s1", svc.Layout.PlanPath("s1"))
	require.NoError(t, err)

	modes := make(chan task.Mode, 4)
	rt, err2 := New(Config{
		SessionID: "s1",
		Priority:  PriorityError,
		Input:     Input{"task_id": "s1_T1", "report": "panic in broken thing"},
		Services:  svc,
		Retry:     fastRetry(3),
	}, NewErrorRes())
	require.NoError(t, err2)

	mock.OnSpawn = scriptAgents(svc, func(p runner.Prompt) (string, string) {
		for _, occ := range svc.Occupancy.Occupants("s1_T1") {
			if occ.WorkflowID == rt.ID().String() {
				modes <- occ.Mode
			}
		}
		switch p.RoleID {
		case "analyst":
			return "success", `{"root_cause": "nil map", "proposed_fix": "make the map"}`
		case "reviewer":
			return "success", `{"verdict": "pass"}`
		default:
			return "success", `{"summary": "fixed"}`
		}
	})

	go rt.Run(context.Background())
	res := waitDone(t, rt)

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "nil map", res.Output["root_cause"])
	assert.Equal(t, task.ModeShared, <-modes, "analysis holds shared occupancy")
	assert.Equal(t, task.ModeExclusive, <-modes, "fix upgrades to exclusive")
	assert.Empty(t, svc.Occupancy.Occupants("s1_T1"))
}

func TestContextGather_ReturnsFindings(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	mock.OnSpawn = scriptAgents(svc, func(runner.Prompt) (string, string) {
		return "success", `{"context": "the handler lives in server.go"}`
	})

	res := waitDone(t, startRuntime(t, svc, NewContextGather(),
		Input{"request": "where is the handler?"}))

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "the handler lives in server.go", res.Output["context"])
}

func TestContextGather_AbortsWhenScopedTasksOccupied(t *testing.T) {
	mock := runner.NewMockRunner()
	svc := testServices(t, mock)
	require.NoError(t, svc.Occupancy.Declare("other-wf", []string{"s1_T1"}, task.ModeExclusive, ""))

	res := waitDone(t, startRuntime(t, svc, NewContextGather(),
		Input{"request": "r", "task_ids": []string{"s1_T1"}}))

	require.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, mock.Spawned(), "no agent is spawned for an aborted gather")
}
