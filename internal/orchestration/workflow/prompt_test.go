package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrompt_AllTemplatesParse(t *testing.T) {
	fsys, err := BuiltinPromptsFS()
	require.NoError(t, err)
	parsed, err := parsePrompts(fsys)
	require.NoError(t, err)
	for _, name := range []string{
		"plan", "analyze", "implement", "review", "approval",
		"delta_context", "context", "error_analysis", "finalize",
	} {
		assert.Contains(t, parsed, name)
	}
}

func TestRenderPrompt_IncludesCompletionCommand(t *testing.T) {
	out, err := RenderPrompt("implement", PromptData{
		SessionID:       "s1",
		WorkflowID:      "wf-1",
		TaskID:          "s1_T3",
		AgentName:       "Alex",
		PlanPath:        "/data/sessions/s1/plan.md",
		TaskDescription: "build the widget",
		Files:           []string{"widget.go"},
		Deps:            []string{"s1_T1", "s1_T2"},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "apc agent complete --session s1 --workflow wf-1 --stage implementation --task s1_T3")
	assert.Contains(t, out, "build the widget")
	assert.Contains(t, out, "widget.go")
	assert.Contains(t, out, "s1_T1, s1_T2")
	assert.Contains(t, out, "--result failure")
}

func TestRenderPrompt_OmitsTaskFlagWithoutTask(t *testing.T) {
	out, err := RenderPrompt("plan", PromptData{
		SessionID:  "s1",
		WorkflowID: "wf-1",
		PlanPath:   "/p/plan.md",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "--stage planning")
	assert.NotContains(t, out, "--task")
}

func TestRenderPrompt_ContinuationBlock(t *testing.T) {
	out, err := RenderPrompt("implement", PromptData{
		SessionID:  "s1",
		WorkflowID: "wf-1",
		Continuation: &Continuation{
			Phase:         "implement",
			CapturedAt:    time.Now(),
			OutputTail:    []string{"writing handler", "adding tests"},
			FilesModified: []string{"internal/api/server.go"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Resuming interrupted work")
	assert.Contains(t, out, "internal/api/server.go")
	assert.Contains(t, out, "adding tests")
}

func TestRenderPrompt_UnknownTemplate(t *testing.T) {
	_, err := RenderPrompt("no-such-prompt", PromptData{})
	assert.Error(t, err)
}
