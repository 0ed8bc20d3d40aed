package signalbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSignal(workflowID, stage, taskID string) Signal {
	return Signal{
		SessionID:  "sess1",
		WorkflowID: workflowID,
		Stage:      stage,
		TaskID:     taskID,
		Result:     "success",
	}
}

func TestBus_DeliverThenWait(t *testing.T) {
	b := New(0, 0)

	require.NoError(t, b.Deliver(testSignal("wf-1", "implementation", "s1_T1")))
	require.Equal(t, 1, b.RetainedCount())

	sig, err := b.Wait(context.Background(), "sess1", "wf-1", "implementation", "s1_T1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "success", sig.Result)
	require.Equal(t, 0, b.RetainedCount(), "consumption removes the retained signal")
}

func TestBus_WaitThenDeliver(t *testing.T) {
	b := New(0, 0)

	type result struct {
		sig Signal
		err error
	}
	got := make(chan result, 1)
	go func() {
		sig, err := b.Wait(context.Background(), "sess1", "wf-1", "review", "", 5*time.Second)
		got <- result{sig, err}
	}()

	require.Eventually(t, func() bool { return b.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, b.Deliver(testSignal("wf-1", "review", "")))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Equal(t, "success", r.sig.Result)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestBus_AwaitTimeout(t *testing.T) {
	b := New(0, 0)

	_, err := b.Wait(context.Background(), "sess1", "wf-1", "review", "", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)
	require.Equal(t, 0, b.PendingCount())
}

func TestBus_DuplicateSignalDiscarded(t *testing.T) {
	b := New(0, 0)

	sig := testSignal("wf-1", "implementation", "s1_T1")
	require.NoError(t, b.Deliver(sig))
	require.ErrorIs(t, b.Deliver(sig), ErrDuplicateSignal)

	// Exactly one consumption.
	_, err := b.Wait(context.Background(), "sess1", "wf-1", "implementation", "s1_T1", time.Second)
	require.NoError(t, err)
	_, err = b.Wait(context.Background(), "sess1", "wf-1", "implementation", "s1_T1", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)
}

func TestBus_DuplicateAwaiterRejected(t *testing.T) {
	b := New(0, 0)

	go func() {
		_, _ = b.Wait(context.Background(), "sess1", "wf-1", "review", "", 5*time.Second)
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	_, err := b.Wait(context.Background(), "sess1", "wf-1", "review", "", time.Second)
	require.ErrorIs(t, err, ErrDuplicateAwaiter)

	b.CancelPending("wf-1", "review", "")
}

func TestBus_SessionMismatchRejected(t *testing.T) {
	b := New(0, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background(), "sess1", "wf-1", "review", "", time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	bad := testSignal("wf-1", "review", "")
	bad.SessionID = "other-session"
	require.ErrorIs(t, b.Deliver(bad), ErrSessionMismatch)

	// The waiter is still pending and times out normally.
	require.ErrorIs(t, <-errCh, ErrAwaitTimeout)
}

func TestBus_CancelPending(t *testing.T) {
	b := New(0, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background(), "sess1", "wf-1", "review", "", 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.True(t, b.CancelPending("wf-1", "review", ""))
	require.ErrorIs(t, <-errCh, ErrAwaitCancelled)
	require.False(t, b.CancelPending("wf-1", "review", ""), "no waiter left")
}

func TestBus_CancelAllForWorkflow(t *testing.T) {
	b := New(0, 0)

	errs := make(chan error, 2)
	for _, stage := range []string{"implementation", "review"} {
		stage := stage
		go func() {
			_, err := b.Wait(context.Background(), "sess1", "wf-1", stage, "", 5*time.Second)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return b.PendingCount() == 2 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, b.Deliver(testSignal("wf-1", "finalize", "")))
	require.Equal(t, 2, b.CancelAllForWorkflow("wf-1"))

	require.ErrorIs(t, <-errs, ErrAwaitCancelled)
	require.ErrorIs(t, <-errs, ErrAwaitCancelled)
	require.Equal(t, 0, b.RetainedCount(), "retained signals for the workflow are dropped")
}

func TestBus_RetentionExpiry(t *testing.T) {
	b := New(40*time.Millisecond, 0)

	require.NoError(t, b.Deliver(testSignal("wf-1", "review", "")))
	time.Sleep(80 * time.Millisecond)

	_, err := b.Wait(context.Background(), "sess1", "wf-1", "review", "", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout, "expired signals are not consumable")
}

func TestBus_CapacityEvictsOldest(t *testing.T) {
	b := New(time.Minute, 2)

	require.NoError(t, b.Deliver(testSignal("wf-1", "review", "")))
	require.NoError(t, b.Deliver(testSignal("wf-2", "review", "")))
	require.NoError(t, b.Deliver(testSignal("wf-3", "review", "")))

	require.Equal(t, 2, b.RetainedCount())
	_, err := b.Wait(context.Background(), "sess1", "wf-1", "review", "", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout, "oldest signal was evicted")

	sig, err := b.Wait(context.Background(), "sess1", "wf-3", "review", "", time.Second)
	require.NoError(t, err)
	require.Equal(t, "wf-3", sig.WorkflowID)
}

func TestBus_WaitHonorsContext(t *testing.T) {
	b := New(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Wait(ctx, "sess1", "wf-1", "review", "", 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return b.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, 0, b.PendingCount())
}

func TestBus_ManyWorkflowsIndependentKeys(t *testing.T) {
	b := New(0, 0)

	for i := 0; i < 5; i++ {
		wf := fmt.Sprintf("wf-%d", i)
		require.NoError(t, b.Deliver(testSignal(wf, "implementation", "")))
	}
	for i := 4; i >= 0; i-- {
		wf := fmt.Sprintf("wf-%d", i)
		sig, err := b.Wait(context.Background(), "sess1", wf, "implementation", "", time.Second)
		require.NoError(t, err)
		require.Equal(t, wf, sig.WorkflowID)
	}
}
