package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePlan = `# Plan: add metrics endpoint

Some prose describing the approach.

## Tasks

- [ ] sess1_T1: Add metrics registry | files: internal/metrics/registry.go
- [ ] sess1_T2: Wire HTTP endpoint | deps: sess1_T1 | files: internal/api/metrics.go
- [x] sess1_T3: Spike prototype | deps: -
- [ ] sess1_T4: Unity pipeline pass | deps: sess1_T2 | pipeline: unity
`

func TestParsePlan_ExtractsTasks(t *testing.T) {
	tasks, err := ParsePlan("sess1", strings.NewReader(samplePlan))
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	require.Equal(t, "sess1_T1", tasks[0].ID)
	require.Equal(t, "Add metrics registry", tasks[0].Description)
	require.Equal(t, []string{"internal/metrics/registry.go"}, tasks[0].Files)
	require.Empty(t, tasks[0].DependsOn)
	require.Equal(t, StatusPending, tasks[0].Status)

	require.Equal(t, []string{"sess1_T1"}, tasks[1].DependsOn)
	require.Equal(t, StatusCompleted, tasks[2].Status, "checked boxes parse as completed")
	require.Equal(t, "unity", tasks[3].Pipeline)
}

func TestParsePlan_IgnoresProse(t *testing.T) {
	plan := "just prose\n- a bullet that is not a task\n"
	tasks, err := ParsePlan("sess1", strings.NewReader(plan))
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestParsePlan_UnknownDependency(t *testing.T) {
	plan := "- [ ] sess1_T1: Something | deps: sess1_T9\n"
	_, err := ParsePlan("sess1", strings.NewReader(plan))
	require.ErrorIs(t, err, ErrUnknownDependency)
	require.Contains(t, err.Error(), "sess1_T9")
}

func TestParsePlan_DuplicateTask(t *testing.T) {
	plan := "- [ ] sess1_T1: First\n- [ ] sess1_T1: Again\n"
	_, err := ParsePlan("sess1", strings.NewReader(plan))
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestParsePlan_CycleDetected(t *testing.T) {
	plan := `- [ ] sess1_T1: A | deps: sess1_T3
- [ ] sess1_T2: B | deps: sess1_T1
- [ ] sess1_T3: C | deps: sess1_T2
- [ ] sess1_T4: Standalone
`
	_, err := ParsePlan("sess1", strings.NewReader(plan))
	require.ErrorIs(t, err, ErrDependencyCycle)
	// The error names every cycle participant.
	for _, id := range []string{"sess1_T1", "sess1_T2", "sess1_T3"} {
		require.Contains(t, err.Error(), id)
	}
	require.NotContains(t, err.Error(), "sess1_T4")
}

func TestParsePlan_MissingDescription(t *testing.T) {
	plan := "- [ ] sess1_T1:   | deps: -\n"
	_, err := ParsePlan("sess1", strings.NewReader(plan))
	require.Error(t, err)
}
