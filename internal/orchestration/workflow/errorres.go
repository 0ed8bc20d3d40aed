package workflow

import (
	"context"
	"fmt"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
)

// fixReviewCap bounds the fix/review loop for one error.
const fixReviewCap = 2

// ErrorRes is the workflow that diagnoses and fixes a reported error. The
// analysis phase holds shared occupancy of the affected task so concurrent
// readers coexist; the fix phase upgrades to exclusive.
type ErrorRes struct {
	analysis string
}

// NewErrorRes returns the error_resolution definition.
func NewErrorRes() *ErrorRes { return &ErrorRes{} }

func (*ErrorRes) Type() string  { return TypeErrorResolution }
func (*ErrorRes) Priority() int { return PriorityError }

func (*ErrorRes) Phases() []Phase {
	return []Phase{
		{Name: "analyze", Stage: StageErrorAnalysis},
		{Name: "fix", Stage: StageImplement},
		{Name: "review", Stage: StageReview},
		{Name: "finalize", Stage: StageFinalize},
	}
}

func (er *ErrorRes) Execute(ctx context.Context, rt *Runtime, phase Phase) error {
	switch phase.Name {
	case "analyze":
		return er.runAnalyze(ctx, rt, phase)
	case "fix":
		return er.runFix(ctx, rt, phase)
	case "review":
		return er.runReview(ctx, rt, phase)
	case "finalize":
		return runFinalizeAgent(ctx, rt, phase, "fixer", "")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase.Name)
	}
}

func (er *ErrorRes) runAnalyze(ctx context.Context, rt *Runtime, phase Phase) error {
	taskID := rt.Input().String("task_id")
	if taskID != "" {
		// Reading alongside other workflows is fine during analysis.
		if err := rt.DeclareOccupancy([]string{taskID}, task.ModeShared, "error analysis"); err != nil {
			return err
		}
	}
	prompt, err := RenderPrompt("error_analysis", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		TaskID:     taskID,
		Notes:      rt.Input().String("report"),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "analyst", taskID, prompt)
	if err != nil {
		return err
	}
	er.analysis = string(sig.Data)
	rt.SetOutput("root_cause", signalField(sig, "root_cause"))
	// The analyst's seat goes back so the fixer can take it.
	return rt.ReleaseAgent("analyst")
}

func (er *ErrorRes) runFix(ctx context.Context, rt *Runtime, phase Phase) error {
	taskID := rt.Input().String("task_id")
	if taskID != "" {
		// Upgrade to exclusive for the edit. A conflict here is transient:
		// the retry backoff doubles as the wait for readers to drain.
		rt.ReleaseOccupancy()
		if err := rt.DeclareOccupancy([]string{taskID}, task.ModeExclusive, "applying fix"); err != nil {
			return err
		}
	}
	prompt, err := RenderPrompt("implement", PromptData{
		SessionID:       rt.SessionID(),
		WorkflowID:      rt.ID().String(),
		TaskID:          taskID,
		PlanPath:        rt.svc.Layout.PlanPath(rt.SessionID()),
		TaskDescription: "Apply the fix for the diagnosed error.",
		Notes:           "Error report:\n\n" + rt.Input().String("report") + "\n\nDiagnosis:\n\n" + er.analysis,
		Continuation:    rt.Continuation(),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "fixer", taskID, prompt)
	if err != nil {
		return err
	}
	if sig.Result != "success" {
		return fmt.Errorf("fix attempt failed")
	}
	rt.SetOutput("fix", signalField(sig, "summary"))
	// Park the fixer for rework and finalize, seat permitting.
	return rt.BenchOrReleaseAgent("fixer")
}

func (er *ErrorRes) runReview(ctx context.Context, rt *Runtime, phase Phase) error {
	prompt, err := RenderPrompt("review", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		TaskID:     rt.Input().String("task_id"),
		Notes:      "Verify the fix resolves this error:\n\n" + rt.Input().String("report"),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "reviewer", rt.Input().String("task_id"), prompt)
	if err != nil {
		return err
	}
	if reviewRejected(sig) {
		if err := rt.RewindTo("fix", fixReviewCap); err != nil {
			return Permanent(fmt.Errorf("fix rejected %d times in review", fixReviewCap+1))
		}
		rt.Logf("fix rejected by review, retrying")
	}
	return rt.ReleaseAgent("reviewer")
}
