package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
)

// Handler receives events synchronously on the emitter's goroutine.
type Handler func(Event)

// Disposer removes a subscription. Calling it more than once is a no-op.
type Disposer func()

type subscription struct {
	id      int64
	handler Handler
	active  atomic.Bool
}

// Bus dispatches events synchronously to subscribers in registration order.
// A panicking subscriber is caught and logged; remaining subscribers still
// run. Handlers may emit further events and may dispose subscriptions,
// including their own, during dispatch.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all events and returns its disposer.
func (b *Bus) Subscribe(h Handler) Disposer {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{id: b.nextID, handler: h}
	sub.active.Store(true)
	b.nextID++
	b.subs = append(b.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == sub.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers the event to every active subscriber before returning.
// The subscriber list is snapshotted first, so handlers registered during
// dispatch see only subsequent events. A subscription disposed mid-dispatch
// is skipped for the remainder of the dispatch.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	snapshot := make([]*subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		b.dispatch(sub, e)
	}
}

func (b *Bus) dispatch(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatCoord, "event subscriber panic",
				"event", string(e.Type),
				"workflow", e.WorkflowID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(e)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
