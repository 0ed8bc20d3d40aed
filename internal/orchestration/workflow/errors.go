package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
)

// ============================================================================
// Lifecycle
// ============================================================================

var (
	// ErrWorkflowCancelled marks phase errors caused by cancellation.
	ErrWorkflowCancelled = errors.New("workflow cancelled")
	// errPauseInterrupt is returned out of a phase when a forced pause killed
	// the running agent. Internal to the runtime's pause handling.
	errPauseInterrupt = errors.New("phase interrupted by pause")
	// ErrAbortedOccupied is returned when an abort_if_occupied declaration
	// found its tasks occupied. The workflow ends cancelled, not failed.
	ErrAbortedOccupied = errors.New("aborted: tasks occupied")
	// ErrRewindLimit is returned when a phase loop exceeds its cap.
	ErrRewindLimit = errors.New("rewind limit reached")
	// ErrUnknownPhase is returned by RewindTo for a phase not in the list.
	ErrUnknownPhase = errors.New("unknown phase")
)

// ============================================================================
// Agent execution
// ============================================================================

// AgentNoCallbackError means the agent process exited without reporting
// completion through the signal bus. Transient: the phase is retried.
type AgentNoCallbackError struct {
	Agent string
	Stage string
	Err   error // process exit error, if any
}

func (e *AgentNoCallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s exited without completing %s: %v", e.Agent, e.Stage, e.Err)
	}
	return fmt.Sprintf("agent %s exited without completing %s", e.Agent, e.Stage)
}

func (e *AgentNoCallbackError) Unwrap() error { return e.Err }

// PermanentError marks an error that must not be retried.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry policy gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Class buckets phase errors for the retry policy.
type Class int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient Class = iota
	// ClassPermanent errors fail the phase immediately.
	ClassPermanent
	// ClassCancelled errors stop the phase without counting as failure.
	ClassCancelled
)

// Classify maps a phase error to its retry class. Unknown errors are
// transient: infrastructure hiccups outnumber logic bugs in practice.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrWorkflowCancelled),
		errors.Is(err, errPauseInterrupt),
		errors.Is(err, ErrAbortedOccupied):
		return ClassCancelled
	case isPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

func isPermanent(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	// A rewind cap or a duplicate awaiter is a logic condition, not a blip.
	if errors.Is(err, ErrRewindLimit) ||
		errors.Is(err, ErrUnknownPhase) ||
		errors.Is(err, signalbus.ErrDuplicateAwaiter) ||
		errors.Is(err, task.ErrTaskNotFound) {
		return true
	}
	return false
}
