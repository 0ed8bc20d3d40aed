package workflow

import (
	"context"
	"fmt"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
)

// ContextGather is the lightweight workflow that answers a context request
// against the repository. When scoped to specific tasks it aborts rather
// than queue behind their occupants: stale context is worse than none.
type ContextGather struct{}

// NewContextGather returns the context_gathering definition.
func NewContextGather() *ContextGather { return &ContextGather{} }

func (*ContextGather) Type() string  { return TypeContextGathering }
func (*ContextGather) Priority() int { return PriorityContext }

func (*ContextGather) Phases() []Phase {
	return []Phase{
		{Name: "gather", Stage: StageContext},
	}
}

func (cg *ContextGather) Execute(ctx context.Context, rt *Runtime, phase Phase) error {
	if phase.Name != "gather" {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase.Name)
	}

	if scoped := rt.Input().StringSlice("task_ids"); len(scoped) > 0 {
		rt.DeclareConflict(scoped, task.ResolutionAbortIfOccupied, "context gathering")
		if err := rt.CheckAbortIfOccupied(scoped); err != nil {
			return err
		}
	}

	prompt, err := RenderPrompt("context", PromptData{
		SessionID:  rt.SessionID(),
		WorkflowID: rt.ID().String(),
		Notes:      rt.Input().String("request"),
	})
	if err != nil {
		return Permanent(err)
	}
	sig, err := rt.RunAgent(ctx, phase, "gatherer", "", prompt)
	if err != nil {
		return err
	}
	rt.SetOutput("context", signalField(sig, "context"))
	return nil
}
