package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
)

// implementReviewCap bounds the implement/review loop for one task.
const implementReviewCap = 3

// pipelineTimeout bounds the wait for an external pipeline callback.
const pipelineTimeout = time.Hour

// TaskImpl is the workflow that carries one plan task from implementation
// through review, approval, and delta-context capture. It holds exclusive
// occupancy of the task for its whole run; the implementer is benched during
// review (pool permitting) so the same agent handles rework and the delta
// summary.
type TaskImpl struct {
	findings string
	delta    string
}

// NewTaskImpl returns the task_implementation definition.
func NewTaskImpl() *TaskImpl { return &TaskImpl{} }

func (*TaskImpl) Type() string  { return TypeTaskImpl }
func (*TaskImpl) Priority() int { return PriorityTask }

func (*TaskImpl) Phases() []Phase {
	return []Phase{
		{Name: "implement", Stage: StageImplement},
		{Name: "review", Stage: StageReview},
		{Name: "approval", Stage: StageReview},
		{Name: "delta_context", Stage: StageDeltaContext},
		{Name: "pipeline", Stage: StageFinalize},
		{Name: "finalize", Stage: StageFinalize},
	}
}

func (ti *TaskImpl) Execute(ctx context.Context, rt *Runtime, phase Phase) error {
	taskID := rt.Input().String("task_id")
	tsk, err := rt.svc.Tasks.Get(taskID)
	if err != nil {
		return Permanent(err)
	}

	switch phase.Name {
	case "implement":
		return ti.runImplement(ctx, rt, phase, tsk)
	case "review":
		return ti.runReview(ctx, rt, phase, tsk)
	case "approval":
		return ti.runApproval(ctx, rt, phase, tsk)
	case "delta_context":
		return ti.runDelta(ctx, rt, phase, tsk)
	case "pipeline":
		return ti.runPipeline(ctx, rt, phase, tsk)
	case "finalize":
		return ti.runFinalize(ctx, rt, phase, tsk)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase.Name)
	}
}

func (ti *TaskImpl) runImplement(ctx context.Context, rt *Runtime, phase Phase, tsk task.Task) error {
	rt.DeclareConflict([]string{tsk.ID}, task.ResolutionWaitForOthers, "implementing "+tsk.ID)
	if err := rt.WaitForTasksFree(ctx, []string{tsk.ID}); err != nil {
		return err
	}
	if err := rt.DeclareOccupancy([]string{tsk.ID}, task.ModeExclusive, "implementing"); err != nil {
		return err
	}
	if err := rt.svc.Tasks.SetStatus(tsk.ID, task.StatusInProgress, ""); err != nil {
		return Permanent(err)
	}

	notes := ti.findings
	if notes != "" {
		notes = "A previous attempt was rejected in review. Findings to address:\n\n" + notes
	}
	prompt, err := RenderPrompt("implement", PromptData{
		SessionID:       rt.SessionID(),
		WorkflowID:      rt.ID().String(),
		TaskID:          tsk.ID,
		PlanPath:        rt.svc.Layout.PlanPath(rt.SessionID()),
		TaskDescription: tsk.Description,
		Files:           tsk.Files,
		Deps:            tsk.DependsOn,
		Notes:           notes,
		Continuation:    rt.Continuation(),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "implementer", tsk.ID, prompt)
	if err != nil {
		return err
	}
	if sig.Result != "success" {
		return fmt.Errorf("implementer reported failure for %s", tsk.ID)
	}
	rt.SetOutput("implementation", signalField(sig, "summary"))
	return nil
}

func (ti *TaskImpl) runReview(ctx context.Context, rt *Runtime, phase Phase, tsk task.Task) error {
	// Park the implementer when a seat remains for the reviewer: rework and
	// the delta summary should come from the agent that did the work. With
	// no seat left, benching would starve the reviewer request, so release.
	if err := rt.BenchOrReleaseAgent("implementer"); err != nil {
		return err
	}
	prompt, err := RenderPrompt("review", PromptData{
		SessionID:       rt.SessionID(),
		WorkflowID:      rt.ID().String(),
		TaskID:          tsk.ID,
		TaskDescription: tsk.Description,
		Notes:           outputString(rt, "implementation"),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "reviewer", tsk.ID, prompt)
	if err != nil {
		return err
	}
	if reviewRejected(sig) {
		ti.findings = signalField(sig, "findings")
		if ti.findings == "" {
			ti.findings = string(sig.Data)
		}
		if err := rt.RewindTo("implement", implementReviewCap); err != nil {
			// The loop cap is a backstop; the external pipeline is the
			// downstream gate. Carry the findings forward and proceed.
			rt.Logf("review still rejecting %s after %d attempts, proceeding", tsk.ID, implementReviewCap)
			rt.SetOutput("review_unresolved", ti.findings)
		} else {
			rt.Logf("review failed for %s, implementer retries", tsk.ID)
		}
	}
	return rt.ReleaseAgent("reviewer")
}

func (ti *TaskImpl) runApproval(ctx context.Context, rt *Runtime, phase Phase, tsk task.Task) error {
	prompt, err := RenderPrompt("approval", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		TaskID:     tsk.ID,
		PlanPath:   rt.svc.Layout.PlanPath(rt.SessionID()),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "approver", tsk.ID, prompt)
	if err != nil {
		return err
	}
	if reviewRejected(sig) {
		ti.findings = signalField(sig, "reason")
		if err := rt.RewindTo("implement", implementReviewCap); err != nil {
			// Cap reached; the external pipeline is the downstream gate.
			rt.Logf("approval still rejecting %s after %d attempts, proceeding", tsk.ID, implementReviewCap)
			rt.SetOutput("approval_unresolved", ti.findings)
		} else {
			rt.Logf("approval rejected for %s: %s", tsk.ID, ti.findings)
		}
	}
	// The approver's agent is only needed once.
	return rt.ReleaseAgent("approver")
}

func (ti *TaskImpl) runDelta(ctx context.Context, rt *Runtime, phase Phase, tsk task.Task) error {
	prompt, err := RenderPrompt("delta_context", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		TaskID:     tsk.ID,
		PlanPath:   rt.svc.Layout.PlanPath(rt.SessionID()),
	})
	if err != nil {
		return Permanent(err)
	}
	// Agent promotes the benched implementer back for this.
	sig, err := rt.RunAgent(ctx, phase, "implementer", tsk.ID, prompt)
	if err != nil {
		return err
	}
	ti.delta = signalField(sig, "delta")
	rt.SetOutput("delta_context", ti.delta)
	return nil
}

// runPipeline waits for the task's external pipeline callback, when the plan
// names one. The pipeline reports through the same completion command agents
// use, keyed by this workflow, the finalize stage, and the task id.
func (ti *TaskImpl) runPipeline(ctx context.Context, rt *Runtime, phase Phase, tsk task.Task) error {
	if tsk.Pipeline == "" {
		return nil
	}
	rt.Logf("waiting for pipeline %s on %s", tsk.Pipeline, tsk.ID)
	rt.EmitProgress("waiting for pipeline " + tsk.Pipeline)
	sig, err := rt.AwaitSignal(ctx, StageFinalize, tsk.ID, pipelineTimeout)
	if err != nil {
		return err
	}
	if sig.Result != "success" {
		return Permanent(fmt.Errorf("pipeline %s failed for %s", tsk.Pipeline, tsk.ID))
	}
	rt.SetOutput("pipeline", tsk.Pipeline)
	return nil
}

func (ti *TaskImpl) runFinalize(ctx context.Context, rt *Runtime, phase Phase, tsk task.Task) error {
	if err := rt.svc.Tasks.SetStatus(tsk.ID, task.StatusCompleted, ""); err != nil {
		return Permanent(err)
	}
	rt.ReleaseOccupancy()
	rt.ClearConflict()
	return runFinalizeAgent(ctx, rt, phase, "implementer", "")
}
