package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrMockKilled is returned by a mock process wait after Kill.
var ErrMockKilled = errors.New("mock process killed")

func init() {
	Register(TypeMock, func() Runner { return NewMockRunner() })
}

// MockRunner records spawned prompts and lets tests script each process's
// behavior via OnSpawn.
type MockRunner struct {
	mu      sync.Mutex
	spawned []Prompt
	// OnSpawn, when set, is called with the prompt and its process before
	// Spawn returns. Tests use it to complete or fail the process.
	OnSpawn func(p Prompt, proc *MockProcess)
	// SpawnErr, when set, makes Spawn fail.
	SpawnErr error
}

// NewMockRunner creates an empty mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// Type implements Runner.
func (r *MockRunner) Type() Type { return TypeMock }

// Spawn implements Runner.
func (r *MockRunner) Spawn(_ context.Context, p Prompt) (Process, error) {
	r.mu.Lock()
	if r.SpawnErr != nil {
		err := r.SpawnErr
		r.mu.Unlock()
		return nil, err
	}
	r.spawned = append(r.spawned, p)
	hook := r.OnSpawn
	r.mu.Unlock()

	proc := &MockProcess{
		Prompt: p,
		tail:   NewOutputBuffer(tailCapacity),
		done:   make(chan struct{}),
	}
	if hook != nil {
		hook(p, proc)
	}
	return proc, nil
}

// Spawned returns a copy of all prompts spawned so far.
func (r *MockRunner) Spawned() []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Prompt, len(r.spawned))
	copy(out, r.spawned)
	return out
}

// MockProcess is a scriptable in-process agent.
type MockProcess struct {
	Prompt Prompt

	mu      sync.Mutex
	tail    *OutputBuffer
	done    chan struct{}
	exitErr error
	closed  bool
}

// Emit appends output lines visible through Tail.
func (p *MockProcess) Emit(lines ...string) {
	for _, line := range lines {
		p.tail.Write(line)
	}
}

// Exit finishes the process with the given error (nil for success).
func (p *MockProcess) Exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.exitErr = err
	p.closed = true
	close(p.done)
}

// Wait implements Process.
func (p *MockProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitErr
	case <-ctx.Done():
		p.Exit(ErrMockKilled)
		return ctx.Err()
	}
}

// Kill implements Process.
func (p *MockProcess) Kill() error {
	p.Exit(ErrMockKilled)
	return nil
}

// Tail implements Process.
func (p *MockProcess) Tail(n int) []string {
	return p.tail.LastN(n)
}

// Done exposes the exit channel for test synchronization.
func (p *MockProcess) Done() <-chan struct{} {
	return p.done
}
