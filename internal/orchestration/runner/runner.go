// Package runner abstracts the agent subprocess. Workflows hand it a prompt
// and get back a process handle; the subprocess reports completion out of
// band via `apc agent complete`, so the handle only covers liveness, output
// capture, and termination.
package runner

import (
	"context"
	"fmt"
	"time"
)

// Type identifies a runner provider.
type Type string

const (
	// TypeCLI spawns the configured agent CLI as a subprocess.
	TypeCLI Type = "cli"
	// TypeMock is an in-process runner for tests.
	TypeMock Type = "mock"
)

// Prompt is everything an agent invocation needs.
type Prompt struct {
	SessionID  string
	WorkflowID string
	Stage      string
	TaskID     string
	RoleID     string
	AgentName  string
	Text       string
	WorkDir    string
	// TranscriptPath, when set, receives the agent's combined output.
	TranscriptPath string
	Timeout        time.Duration
}

// Process is a handle to a spawned agent.
type Process interface {
	// Wait blocks until the process exits or ctx is done. A non-zero exit
	// is returned as an error; ctx cancellation kills the process.
	Wait(ctx context.Context) error
	// Kill terminates the process immediately.
	Kill() error
	// Tail returns up to n of the most recent output lines.
	Tail(n int) []string
}

// Runner spawns agent processes.
type Runner interface {
	Type() Type
	Spawn(ctx context.Context, p Prompt) (Process, error)
}

// ErrUnknownRunnerType is returned when an unregistered type is requested.
var ErrUnknownRunnerType = fmt.Errorf("unknown runner type")

var runnerRegistry = make(map[Type]func() Runner)

// Register adds a runner factory. Called from provider init() functions.
func Register(t Type, factory func() Runner) {
	runnerRegistry[t] = factory
}

// New creates a runner of the given type.
func New(t Type) (Runner, error) {
	factory, ok := runnerRegistry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRunnerType, t)
	}
	return factory(), nil
}
