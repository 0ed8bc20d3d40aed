package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockRunner_RecordsSpawns(t *testing.T) {
	r := NewMockRunner()
	r.OnSpawn = func(_ Prompt, proc *MockProcess) {
		proc.Emit("working", "done")
		proc.Exit(nil)
	}

	proc, err := r.Spawn(context.Background(), Prompt{WorkflowID: "wf-1", Stage: "implementation"})
	require.NoError(t, err)
	require.NoError(t, proc.Wait(context.Background()))
	require.Equal(t, []string{"working", "done"}, proc.Tail(10))

	spawned := r.Spawned()
	require.Len(t, spawned, 1)
	require.Equal(t, "wf-1", spawned[0].WorkflowID)
}

func TestMockProcess_KillUnblocksWait(t *testing.T) {
	r := NewMockRunner()
	proc, err := r.Spawn(context.Background(), Prompt{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- proc.Wait(context.Background()) }()

	require.NoError(t, proc.Kill())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrMockKilled)
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock after kill")
	}
}

func TestMockRunner_SpawnErr(t *testing.T) {
	r := NewMockRunner()
	r.SpawnErr = errors.New("no such agent binary")
	_, err := r.Spawn(context.Background(), Prompt{})
	require.Error(t, err)
	require.Empty(t, r.Spawned())
}

func TestRegistry_KnownTypes(t *testing.T) {
	mock, err := New(TypeMock)
	require.NoError(t, err)
	require.Equal(t, TypeMock, mock.Type())

	cli, err := New(TypeCLI)
	require.NoError(t, err)
	require.Equal(t, TypeCLI, cli.Type())

	_, err = New(Type("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownRunnerType)
}
