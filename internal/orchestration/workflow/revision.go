package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
)

// revisionReviewCap bounds the plan/review loop during a revision.
const revisionReviewCap = 2

// Revision is the workflow that rewrites an existing plan. Impact analysis
// scopes the revision to the tasks it touches and their dependents, then
// declares a pause_others conflict over that set so the affected workflows
// pause while the plan is in flux. A revision that rewrites the whole plan
// pauses the whole session. The old plan is backed up before the planner
// touches it.
type Revision struct {
	impact string
}

// globalRevisionHints are request phrasings that mean the revision reshapes
// the plan as a whole rather than particular tasks.
var globalRevisionHints = []string{
	"entire plan", "whole plan", "all tasks", "everything",
	"rewrite the plan", "start over", "from scratch", "restructure",
}

func globalRevision(request string) bool {
	lower := strings.ToLower(request)
	for _, hint := range globalRevisionHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// NewRevision returns the planning_revision definition.
func NewRevision() *Revision { return &Revision{} }

func (*Revision) Type() string  { return TypePlanningRevision }
func (*Revision) Priority() int { return PriorityRevision }

func (*Revision) Phases() []Phase {
	return []Phase{
		{Name: "analyze_impact", Stage: StageAnalysis},
		{Name: "plan", Stage: StagePlanning},
		{Name: "review", Stage: StageReview},
		{Name: "finalize", Stage: StageFinalize},
	}
}

func (r *Revision) Execute(ctx context.Context, rt *Runtime, phase Phase) error {
	switch phase.Name {
	case "analyze_impact":
		return r.runImpact(ctx, rt, phase)
	case "plan":
		return r.runPlan(ctx, rt, phase)
	case "review":
		return r.runReview(ctx, rt, phase)
	case "finalize":
		// The plan is settled; paused workflows may resume against it.
		rt.ClearConflict()
		return runFinalizeAgent(ctx, rt, phase, "planner", "")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase.Name)
	}
}

func (r *Revision) runImpact(ctx context.Context, rt *Runtime, phase Phase) error {
	request := rt.Input().String("request")
	prompt, err := RenderPrompt("analyze", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		PlanPath:   rt.svc.Layout.PlanPath(rt.SessionID()),
		Notes: "A plan revision was requested:\n\n" + request +
			"\n\nAssess which existing tasks the revision invalidates or changes." +
			" Report them as an affected_tasks list of task ids.",
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "analyst", "", prompt)
	if err != nil {
		return err
	}
	r.impact = signalField(sig, "findings")
	if r.impact == "" {
		r.impact = string(sig.Data)
	}

	affected := r.affectedTasks(rt, request, sig)
	rt.SetOutput("affected_tasks", affected)
	if len(affected) == 1 && affected[0] == task.Wildcard {
		rt.Logf("revision reshapes the whole plan, pausing the session")
	} else {
		rt.Logf("revision touches %d task(s)", len(affected))
	}
	rt.DeclareConflict(affected, task.ResolutionPauseOthers, "plan revision in progress")
	return rt.ReleaseAgent("analyst")
}

// affectedTasks scopes the revision: the tasks the analyst or the request
// names directly, plus everything that transitively depends on them. A
// request that reshapes the whole plan, or an analysis that names nothing,
// claims the wildcard.
func (r *Revision) affectedTasks(rt *Runtime, request string, sig signalbus.Signal) []string {
	if globalRevision(request) {
		return []string{task.Wildcard}
	}
	known := rt.svc.Tasks.List(rt.SessionID())
	direct := make(map[string]bool)
	for _, id := range signalIDList(sig, "affected_tasks") {
		direct[id] = true
	}
	for _, t := range known {
		if strings.Contains(r.impact, t.ID) || strings.Contains(request, t.ID) {
			direct[t.ID] = true
		}
	}
	if len(direct) == 0 {
		return []string{task.Wildcard}
	}

	// Close over dependents: a task whose dependency is affected is affected.
	for changed := true; changed; {
		changed = false
		for _, t := range known {
			if direct[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				if direct[dep] {
					direct[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	ids := make([]string, 0, len(direct))
	for id := range direct {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// signalIDList extracts a string-array field from a signal's JSON data.
func signalIDList(sig signalbus.Signal, key string) []string {
	if len(sig.Data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(sig.Data, &m); err != nil {
		return nil
	}
	raw, _ := m[key].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

func (r *Revision) runPlan(ctx context.Context, rt *Runtime, phase Phase) error {
	if err := r.backupPlan(rt); err != nil {
		return err
	}
	prompt, err := RenderPrompt("plan", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		PlanPath:   rt.svc.Layout.PlanPath(rt.SessionID()),
		Notes: "This is a revision of an existing plan. Revision request:\n\n" +
			rt.Input().String("request") +
			"\n\nImpact analysis:\n\n" + r.impact +
			"\n\nKeep completed task ids and their lines intact (marked [x]); renumber nothing.",
		Continuation: rt.Continuation(),
	})
	if err != nil {
		return Permanent(err)
	}
	if _, err := rt.RunAgent(ctx, phase, "planner", "", prompt); err != nil {
		return err
	}

	tasks, err := rt.svc.Tasks.LoadPlan(rt.SessionID(), rt.svc.Layout.PlanPath(rt.SessionID()))
	if err != nil {
		return fmt.Errorf("revised plan did not parse: %w", err)
	}
	rt.SetOutput("task_count", len(tasks))
	// Park the planner for review rework and finalize, seat permitting.
	return rt.BenchOrReleaseAgent("planner")
}

func (r *Revision) runReview(ctx context.Context, rt *Runtime, phase Phase) error {
	prompt, err := RenderPrompt("review", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		Notes:      "Review the revised plan at " + rt.svc.Layout.PlanPath(rt.SessionID()) + " against the revision request:\n\n" + rt.Input().String("request"),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "reviewer", "", prompt)
	if err != nil {
		return err
	}
	if reviewRejected(sig) {
		if err := rt.RewindTo("plan", revisionReviewCap); err != nil {
			return Permanent(fmt.Errorf("revised plan rejected %d times: %s",
				revisionReviewCap+1, signalField(sig, "findings")))
		}
		rt.Logf("revision rejected by review, planner retries")
	}
	return rt.ReleaseAgent("reviewer")
}

// backupPlan copies the current plan into the session's backups directory.
// A missing plan file is fine on the first write.
func (r *Revision) backupPlan(rt *Runtime) error {
	planPath := rt.svc.Layout.PlanPath(rt.SessionID())
	data, err := os.ReadFile(planPath) //nolint:gosec // G304: path comes from the session layout
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plan for backup: %w", err)
	}
	backup := rt.svc.Layout.PlanBackupPath(rt.SessionID(), time.Now())
	if err := os.WriteFile(backup, data, 0644); err != nil { //nolint:gosec // G306: plan files are not secrets
		return fmt.Errorf("write plan backup: %w", err)
	}
	rt.SetOutput("plan_backup", backup)
	rt.Logf("plan backed up to %s", backup)
	return nil
}
