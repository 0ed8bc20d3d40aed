// Package signalbus decouples agent completion reports from the workflows
// awaiting them. A workflow waits on (workflow, stage, task); a completion
// delivered before anyone waits is retained briefly so late binding in
// either direction works.
package signalbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

const (
	// DefaultRetention is how long an unconsumed signal is kept.
	DefaultRetention = 30 * time.Second
	// DefaultCapacity bounds the retention buffer; oldest signals evict first.
	DefaultCapacity = 64
)

var (
	// ErrAwaitTimeout is returned when no signal arrives within the wait window.
	ErrAwaitTimeout = errors.New("await timed out")
	// ErrAwaitCancelled is returned when a pending wait is cancelled.
	ErrAwaitCancelled = errors.New("await cancelled")
	// ErrDuplicateAwaiter is returned when a second waiter registers for a key.
	ErrDuplicateAwaiter = errors.New("duplicate awaiter")
	// ErrDuplicateSignal is returned when a signal for an already-retained key
	// arrives; the duplicate is discarded.
	ErrDuplicateSignal = errors.New("duplicate signal discarded")
	// ErrSessionMismatch is returned when a signal names a different session
	// than the waiter registered with.
	ErrSessionMismatch = errors.New("signal session mismatch")
)

// Signal is one agent completion report.
type Signal struct {
	SessionID  string          `json:"session_id"`
	WorkflowID string          `json:"workflow_id"`
	Stage      string          `json:"stage"`
	TaskID     string          `json:"task_id,omitempty"`
	Result     string          `json:"result"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Key returns the correlation key for a (workflow, stage, task) triple.
func Key(workflowID, stage, taskID string) string {
	return strings.Join([]string{workflowID, stage, taskID}, "|")
}

type waiter struct {
	sessionID string
	ch        chan Signal
	cancelled chan struct{}
}

// Bus routes completion signals to waiters and retains early arrivals.
type Bus struct {
	mu        sync.Mutex
	waiters   map[string]*waiter
	retained  *gocache.Cache
	order     []string // retained keys, oldest first
	capacity  int
	retention time.Duration
}

// New creates a bus with the given retention TTL and capacity. Zero values
// select the defaults.
func New(retention time.Duration, capacity int) *Bus {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		waiters:   make(map[string]*waiter),
		retained:  gocache.New(retention, retention),
		capacity:  capacity,
		retention: retention,
	}
}

// Wait blocks until a signal for (workflowID, stage, taskID) arrives, the
// timeout elapses, the wait is cancelled, or ctx is done. A signal retained
// before Wait is consumed immediately. At most one waiter may exist per key.
func (b *Bus) Wait(ctx context.Context, sessionID, workflowID, stage, taskID string, timeout time.Duration) (Signal, error) {
	key := Key(workflowID, stage, taskID)

	b.mu.Lock()
	if raw, found := b.retained.Get(key); found {
		sig := raw.(Signal)
		if sig.SessionID != sessionID {
			b.mu.Unlock()
			return Signal{}, fmt.Errorf("%w: retained signal for session %s, waiter in %s",
				ErrSessionMismatch, sig.SessionID, sessionID)
		}
		b.dropRetainedLocked(key)
		b.mu.Unlock()
		log.Debug(log.CatSignal, "consumed retained signal", "key", key)
		return sig, nil
	}
	if _, exists := b.waiters[key]; exists {
		b.mu.Unlock()
		return Signal{}, fmt.Errorf("%w: %s", ErrDuplicateAwaiter, key)
	}
	w := &waiter{
		sessionID: sessionID,
		ch:        make(chan Signal, 1),
		cancelled: make(chan struct{}),
	}
	b.waiters[key] = w
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig := <-w.ch:
		return sig, nil
	case <-w.cancelled:
		return Signal{}, fmt.Errorf("%w: %s", ErrAwaitCancelled, key)
	case <-timer.C:
		b.removeWaiter(key, w)
		return Signal{}, fmt.Errorf("%w: %s after %s", ErrAwaitTimeout, key, timeout)
	case <-ctx.Done():
		b.removeWaiter(key, w)
		return Signal{}, ctx.Err()
	}
}

// Deliver hands a signal to its waiter, or retains it when nobody is waiting
// yet. A second delivery for a retained key is discarded with
// ErrDuplicateSignal. A delivery whose session does not match the waiter's
// session is rejected without consuming the wait.
func (b *Bus) Deliver(sig Signal) error {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	key := Key(sig.WorkflowID, sig.Stage, sig.TaskID)

	b.mu.Lock()
	if w, ok := b.waiters[key]; ok {
		if w.sessionID != sig.SessionID {
			b.mu.Unlock()
			log.Warn(log.CatSignal, "rejected signal: session mismatch",
				"key", key, "signal_session", sig.SessionID, "waiter_session", w.sessionID)
			return fmt.Errorf("%w: signal for %s, waiter in %s",
				ErrSessionMismatch, sig.SessionID, w.sessionID)
		}
		delete(b.waiters, key)
		// Buffered send under the lock: if the waiter is timing out
		// concurrently, removeWaiter re-retains the signal.
		w.ch <- sig
		b.mu.Unlock()
		log.Debug(log.CatSignal, "signal delivered", "key", key, "result", sig.Result)
		return nil
	}

	if _, found := b.retained.Get(key); found {
		b.mu.Unlock()
		log.Warn(log.CatSignal, "duplicate signal discarded", "key", key)
		return fmt.Errorf("%w: %s", ErrDuplicateSignal, key)
	}

	b.retainLocked(key, sig)
	b.mu.Unlock()
	log.Debug(log.CatSignal, "signal retained", "key", key, "result", sig.Result)
	return nil
}

// CancelPending wakes the waiter for the key, if any, with ErrAwaitCancelled.
// Reports whether a waiter was cancelled.
func (b *Bus) CancelPending(workflowID, stage, taskID string) bool {
	key := Key(workflowID, stage, taskID)
	b.mu.Lock()
	w, ok := b.waiters[key]
	if ok {
		delete(b.waiters, key)
	}
	b.mu.Unlock()
	if ok {
		close(w.cancelled)
	}
	return ok
}

// CancelAllForWorkflow cancels every pending wait belonging to a workflow
// and drops its retained signals. Used when a workflow is cancelled.
func (b *Bus) CancelAllForWorkflow(workflowID string) int {
	prefix := workflowID + "|"

	b.mu.Lock()
	var cancelled []*waiter
	for key, w := range b.waiters {
		if strings.HasPrefix(key, prefix) {
			delete(b.waiters, key)
			cancelled = append(cancelled, w)
		}
	}
	var drop []string
	for _, key := range b.order {
		if strings.HasPrefix(key, prefix) {
			drop = append(drop, key)
		}
	}
	for _, key := range drop {
		b.dropRetainedLocked(key)
	}
	b.mu.Unlock()

	for _, w := range cancelled {
		close(w.cancelled)
	}
	return len(cancelled)
}

// PendingCount returns the number of registered waiters.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// RetainedCount returns the number of unexpired retained signals.
func (b *Bus) RetainedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, key := range b.order {
		if _, found := b.retained.Get(key); found {
			n++
		}
	}
	return n
}

func (b *Bus) retainLocked(key string, sig Signal) {
	// Evict oldest live entries until under capacity. Expired entries just
	// fall out of the order index.
	live := 0
	var compact []string
	for _, k := range b.order {
		if _, found := b.retained.Get(k); found {
			compact = append(compact, k)
			live++
		}
	}
	b.order = compact
	for live >= b.capacity && len(b.order) > 0 {
		oldest := b.order[0]
		b.dropRetainedLocked(oldest)
		live--
		log.Warn(log.CatSignal, "retention full, evicted oldest", "key", oldest)
	}
	b.retained.Set(key, sig, b.retention)
	b.order = append(b.order, key)
}

func (b *Bus) dropRetainedLocked(key string) {
	b.retained.Delete(key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeWaiter(key string, w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.waiters[key]; ok && cur == w {
		delete(b.waiters, key)
		return
	}
	// A delivery won the race against this waiter's timeout. Put the signal
	// back in retention so a retry can still consume it.
	select {
	case sig := <-w.ch:
		b.retainLocked(key, sig)
	default:
	}
}
