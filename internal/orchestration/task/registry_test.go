package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRegistry_LoadPlanAndReady(t *testing.T) {
	r := NewRegistry()
	path := writePlan(t, `- [ ] s1_T1: First
- [ ] s1_T2: Second | deps: s1_T1
- [ ] s1_T3: Third | deps: s1_T1,s1_T2
`)
	_, err := r.LoadPlan("s1", path)
	require.NoError(t, err)

	ready := r.Ready("s1")
	require.Len(t, ready, 1)
	require.Equal(t, "s1_T1", ready[0].ID)

	require.NoError(t, r.SetStatus("s1_T1", StatusCompleted, ""))
	ready = r.Ready("s1")
	require.Len(t, ready, 1)
	require.Equal(t, "s1_T2", ready[0].ID)

	require.NoError(t, r.SetStatus("s1_T2", StatusCompleted, ""))
	ready = r.Ready("s1")
	require.Len(t, ready, 1)
	require.Equal(t, "s1_T3", ready[0].ID)
}

func TestRegistry_DeferredNeverReady(t *testing.T) {
	r := NewRegistry()
	path := writePlan(t, "- [ ] s1_T1: Only task\n")
	_, err := r.LoadPlan("s1", path)
	require.NoError(t, err)

	require.NoError(t, r.SetDeferred("s1_T1", true, "needs design input"))
	require.Empty(t, r.Ready("s1"))
	// Deferred tasks do not block session completion.
	require.True(t, r.AllDone("s1"))

	require.NoError(t, r.SetDeferred("s1_T1", false, ""))
	require.Len(t, r.Ready("s1"), 1)
	require.False(t, r.AllDone("s1"))
}

func TestRegistry_InProgressNotReady(t *testing.T) {
	r := NewRegistry()
	path := writePlan(t, "- [ ] s1_T1: Only task\n")
	_, err := r.LoadPlan("s1", path)
	require.NoError(t, err)

	require.NoError(t, r.SetStatus("s1_T1", StatusInProgress, ""))
	require.Empty(t, r.Ready("s1"))
}

func TestRegistry_ReloadPreservesStatuses(t *testing.T) {
	r := NewRegistry()
	path := writePlan(t, "- [ ] s1_T1: First\n- [ ] s1_T2: Second\n")
	_, err := r.LoadPlan("s1", path)
	require.NoError(t, err)
	require.NoError(t, r.SetStatus("s1_T1", StatusCompleted, ""))

	// A revision keeps T1, rewrites T2's description, and adds T3.
	path2 := writePlan(t, `- [ ] s1_T1: First
- [ ] s1_T2: Second, reworded
- [ ] s1_T3: New follow-up | deps: s1_T1
`)
	_, err = r.LoadPlan("s1", path2)
	require.NoError(t, err)

	t1, err := r.Get("s1_T1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, t1.Status, "survived task keeps its status")

	ready := r.Ready("s1")
	ids := []string{ready[0].ID, ready[1].ID}
	require.Equal(t, []string{"s1_T2", "s1_T3"}, ids)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope_T1")
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, r.SetStatus("nope_T1", StatusCompleted, ""), ErrTaskNotFound)
}

func TestRegistry_RemoveSession(t *testing.T) {
	r := NewRegistry()
	path := writePlan(t, "- [ ] s1_T1: Task\n")
	_, err := r.LoadPlan("s1", path)
	require.NoError(t, err)

	r.RemoveSession("s1")
	require.Empty(t, r.List("s1"))
	require.Empty(t, r.Sessions())
}

func TestRegistry_FailedTaskCountsAsDone(t *testing.T) {
	r := NewRegistry()
	path := writePlan(t, "- [ ] s1_T1: Task\n- [ ] s1_T2: Other\n")
	_, err := r.LoadPlan("s1", path)
	require.NoError(t, err)

	require.NoError(t, r.SetStatus("s1_T1", StatusFailed, "compile error"))
	require.False(t, r.AllDone("s1"))
	require.NoError(t, r.SetStatus("s1_T2", StatusCompleted, ""))
	require.True(t, r.AllDone("s1"))
}
