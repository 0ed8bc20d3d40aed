package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOccupancy_ExclusiveBlocksAll(t *testing.T) {
	o := NewOccupancyTable()
	require.NoError(t, o.Declare("wf-1", []string{"s1_T1"}, ModeExclusive, "implementing"))

	err := o.Declare("wf-2", []string{"s1_T1"}, ModeExclusive, "also implementing")
	require.ErrorIs(t, err, ErrOccupancyConflict)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "s1_T1", ce.TaskID)
	require.Equal(t, "wf-1", ce.Holder)

	err = o.Declare("wf-2", []string{"s1_T1"}, ModeShared, "reading")
	require.ErrorIs(t, err, ErrOccupancyConflict, "shared cannot join exclusive")
}

func TestOccupancy_SharedCoexists(t *testing.T) {
	o := NewOccupancyTable()
	require.NoError(t, o.Declare("wf-1", []string{"s1_T1"}, ModeShared, "analyzing"))
	require.NoError(t, o.Declare("wf-2", []string{"s1_T1"}, ModeShared, "analyzing"))

	err := o.Declare("wf-3", []string{"s1_T1"}, ModeExclusive, "implementing")
	require.ErrorIs(t, err, ErrOccupancyConflict, "exclusive cannot join shared holders")

	require.Len(t, o.Occupants("s1_T1"), 2)
}

func TestOccupancy_MultiTaskDeclareIsAtomic(t *testing.T) {
	o := NewOccupancyTable()
	require.NoError(t, o.Declare("wf-1", []string{"s1_T2"}, ModeExclusive, ""))

	err := o.Declare("wf-2", []string{"s1_T1", "s1_T2"}, ModeExclusive, "")
	require.ErrorIs(t, err, ErrOccupancyConflict)
	require.Empty(t, o.Occupants("s1_T1"), "failed declaration must not leave partial holds")
}

func TestOccupancy_ReleaseAll(t *testing.T) {
	o := NewOccupancyTable()
	require.NoError(t, o.Declare("wf-1", []string{"s1_T1", "s1_T2"}, ModeExclusive, ""))
	require.NoError(t, o.Declare("wf-2", []string{"s1_T3"}, ModeShared, ""))

	released := o.ReleaseAll("wf-1")
	require.Equal(t, []string{"s1_T1", "s1_T2"}, released)
	require.Empty(t, o.HeldBy("wf-1"))
	require.Equal(t, []string{"s1_T3"}, o.HeldBy("wf-2"))

	// Released tasks are free again.
	require.NoError(t, o.Declare("wf-3", []string{"s1_T1"}, ModeExclusive, ""))
}

func TestOccupancy_RedeclareSameWorkflowIsIdempotent(t *testing.T) {
	o := NewOccupancyTable()
	require.NoError(t, o.Declare("wf-1", []string{"s1_T1"}, ModeExclusive, ""))
	require.NoError(t, o.Declare("wf-1", []string{"s1_T1"}, ModeExclusive, ""))
	require.Len(t, o.Occupants("s1_T1"), 1)
}

func TestConflictTable_WildcardCoversEverything(t *testing.T) {
	c := NewConflictTable()
	c.Declare(Declaration{
		WorkflowID: "wf-rev",
		SessionID:  "s1",
		TaskIDs:    []string{Wildcard},
		Resolution: ResolutionPauseOthers,
		Reason:     "plan revision in flight",
	})

	d, ok := c.Get("wf-rev")
	require.True(t, ok)
	require.True(t, d.Covers("s1_T1"))
	require.True(t, d.Covers("anything"))

	c.Clear("wf-rev")
	_, ok = c.Get("wf-rev")
	require.False(t, ok)
}

func TestConflictTable_SpecificTasks(t *testing.T) {
	c := NewConflictTable()
	c.Declare(Declaration{
		WorkflowID: "wf-err",
		SessionID:  "s1",
		TaskIDs:    []string{"s1_T1", "s1_T2"},
		Resolution: ResolutionWaitForOthers,
	})

	d, _ := c.Get("wf-err")
	require.True(t, d.Covers("s1_T1"))
	require.False(t, d.Covers("s1_T3"))

	all := c.All()
	require.Len(t, all, 1)
	require.Equal(t, ResolutionWaitForOthers, all[0].Resolution)
}
