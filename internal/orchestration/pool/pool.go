package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
)

const (
	// MinSize and MaxSize bound the configurable pool size.
	MinSize = 1
	MaxSize = 20

	// DefaultSize is used when no size is configured.
	DefaultSize = 4
)

var (
	// ErrPoolClosed is returned for operations on a closed pool.
	ErrPoolClosed = errors.New("agent pool is closed")
	// ErrPoolExhausted is returned by TryRequest when no agent is free.
	ErrPoolExhausted = errors.New("agent pool exhausted")
	// ErrUnknownAgent is returned when an agent name is not in the roster.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNotAllocated is returned when releasing or benching an idle agent.
	ErrNotAllocated = errors.New("agent not allocated")
	// ErrInvalidSize is returned by Resize for sizes outside [MinSize, MaxSize].
	ErrInvalidSize = errors.New("pool size out of range")
)

// waiter is a blocked Request. The pool sends the allocated agent name on ch
// (buffer 1) or closes ch on shutdown.
type waiter struct {
	priority   int
	seq        int64
	workflowID string
	roleID     string
	ch         chan string
}

type agentSlot struct {
	name       string
	state      State
	workflowID string
	roleID     string
	retiring   bool
}

// Pool is the named agent pool. All mutation goes through its mutex; event
// emission and the change hook run after the lock is released so subscribers
// may call back into the pool.
type Pool struct {
	mu       sync.Mutex
	agents   map[string]*agentSlot
	order    []string // roster order of active slots
	waiters  []*waiter
	seq      int64
	closed   bool
	bus      *events.Bus
	onChange func()
}

// New creates a pool of the given size. The bus may be nil.
func New(size int, bus *events.Bus) (*Pool, error) {
	if size < MinSize || size > MaxSize {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidSize, size, MinSize, MaxSize)
	}
	p := &Pool{
		agents: make(map[string]*agentSlot, size),
		bus:    bus,
	}
	for i := 0; i < size; i++ {
		name := rosterNames[i]
		p.agents[name] = &agentSlot{name: name, state: StateAvailable}
		p.order = append(p.order, name)
	}
	return p, nil
}

// SetOnChange registers a hook invoked after any allocation-state change.
// The coordinator uses it to trigger reconciliation ticks.
func (p *Pool) SetOnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Request blocks until an agent is allocated to workflowID or ctx is done.
// Waiters are served lowest priority value first, then FIFO. If the workflow
// already holds a benched agent with the requested role, that agent is
// promoted and returned instead of allocating a fresh one.
func (p *Pool) Request(ctx context.Context, workflowID, roleID string, priority int) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}

	if name, ok := p.reuseBenchedLocked(workflowID, roleID); ok {
		p.mu.Unlock()
		p.notify(name, workflowID, roleID, events.AgentAllocated)
		return name, nil
	}
	if name, ok := p.allocateLocked(workflowID, roleID); ok {
		p.mu.Unlock()
		p.notify(name, workflowID, roleID, events.AgentAllocated)
		return name, nil
	}

	w := &waiter{
		priority:   priority,
		seq:        p.seq,
		workflowID: workflowID,
		roleID:     roleID,
		ch:         make(chan string, 1),
	}
	p.seq++
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	log.Debug(log.CatPool, "request queued",
		"workflow", workflowID, "role", roleID, "priority", priority)

	select {
	case name, ok := <-w.ch:
		if !ok {
			return "", ErrPoolClosed
		}
		p.notify(name, workflowID, roleID, events.AgentAllocated)
		return name, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiterLocked(w)
		// Lost race: an agent may have been assigned between ctx.Done and
		// taking the lock. Hand it back.
		select {
		case name, ok := <-w.ch:
			if ok && name != "" {
				p.releaseLocked(p.agents[name])
			}
		default:
		}
		p.mu.Unlock()
		p.changed()
		return "", ctx.Err()
	}
}

// TryRequest allocates without blocking or returns ErrPoolExhausted.
func (p *Pool) TryRequest(workflowID, roleID string) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	if name, ok := p.reuseBenchedLocked(workflowID, roleID); ok {
		p.mu.Unlock()
		p.notify(name, workflowID, roleID, events.AgentAllocated)
		return name, nil
	}
	name, ok := p.allocateLocked(workflowID, roleID)
	p.mu.Unlock()
	if !ok {
		return "", ErrPoolExhausted
	}
	p.notify(name, workflowID, roleID, events.AgentAllocated)
	return name, nil
}

// Release returns an agent to the pool. A retiring agent is removed from the
// roster instead. The freed slot immediately serves the best queued waiter.
func (p *Pool) Release(name string) error {
	p.mu.Lock()
	slot, ok := p.agents[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	if slot.state == StateAvailable {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotAllocated, name)
	}
	wfID, roleID := slot.workflowID, slot.roleID
	p.releaseLocked(slot)
	p.mu.Unlock()

	p.notify(name, wfID, roleID, events.AgentReleased)
	return nil
}

// Bench parks an allocated agent. The owning workflow keeps it.
func (p *Pool) Bench(name string) error {
	p.mu.Lock()
	slot, ok := p.agents[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	if slot.state != StateBusy {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrNotAllocated, name, slot.state)
	}
	slot.state = StateBenched
	p.mu.Unlock()

	p.changed()
	return nil
}

// Promote returns a benched agent to busy.
func (p *Pool) Promote(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.agents[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	if slot.state != StateBenched {
		return fmt.Errorf("%w: %q is %s", ErrNotAllocated, name, slot.state)
	}
	slot.state = StateBusy
	return nil
}

// Owner returns the workflow holding the agent, or "" when idle.
func (p *Pool) Owner(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.agents[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return slot.workflowID, nil
}

// Resize grows or shrinks the pool within [MinSize, MaxSize]. Growing adds
// roster names and serves queued waiters. Shrinking removes idle agents
// immediately and marks busy ones retiring; a retiring agent leaves the
// roster when its workflow releases it.
func (p *Pool) Resize(size int) error {
	if size < MinSize || size > MaxSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidSize, size, MinSize, MaxSize)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	// Un-retire first so a shrink followed by a grow restores slots.
	for _, slot := range p.agents {
		slot.retiring = false
	}

	current := len(p.order)
	switch {
	case size > current:
		for i := 0; i < MaxSize && len(p.order) < size; i++ {
			name := rosterNames[i]
			if _, exists := p.agents[name]; exists {
				continue
			}
			p.agents[name] = &agentSlot{name: name, state: StateAvailable}
			p.order = append(p.order, name)
		}
		sort.Slice(p.order, func(i, j int) bool {
			return rosterIndex(p.order[i]) < rosterIndex(p.order[j])
		})
		p.serveWaitersLocked()
	case size < current:
		excess := current - size
		// Drop idle slots from the tail first.
		for i := len(p.order) - 1; i >= 0 && excess > 0; i-- {
			slot := p.agents[p.order[i]]
			if slot.state == StateAvailable {
				delete(p.agents, slot.name)
				p.order = append(p.order[:i], p.order[i+1:]...)
				excess--
			}
		}
		// Remaining excess retires lazily on release.
		for i := len(p.order) - 1; i >= 0 && excess > 0; i-- {
			p.agents[p.order[i]].retiring = true
			excess--
		}
	}
	p.mu.Unlock()

	log.Info(log.CatPool, "pool resized", "size", size)
	p.changed()
	return nil
}

// Status returns a snapshot in roster order.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Waiting: len(p.waiters)}
	for _, name := range p.order {
		slot := p.agents[name]
		st.Agents = append(st.Agents, Agent{
			Name:       slot.name,
			State:      slot.state,
			WorkflowID: slot.workflowID,
			RoleID:     slot.roleID,
			Retiring:   slot.retiring,
		})
		if slot.retiring {
			st.Retiring++
			continue
		}
		st.Total++
		switch slot.state {
		case StateAvailable:
			st.Available++
		case StateBusy:
			st.Busy++
		case StateBenched:
			st.Benched++
		}
	}
	return st
}

// Close wakes every queued waiter with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	p.mu.Unlock()
}

func (p *Pool) reuseBenchedLocked(workflowID, roleID string) (string, bool) {
	for _, name := range p.order {
		slot := p.agents[name]
		if slot.state == StateBenched && slot.workflowID == workflowID && slot.roleID == roleID {
			slot.state = StateBusy
			return name, true
		}
	}
	return "", false
}

func (p *Pool) allocateLocked(workflowID, roleID string) (string, bool) {
	for _, name := range p.order {
		slot := p.agents[name]
		if slot.state == StateAvailable && !slot.retiring {
			slot.state = StateBusy
			slot.workflowID = workflowID
			slot.roleID = roleID
			return name, true
		}
	}
	return "", false
}

// releaseLocked frees the slot and serves the next waiter, or removes a
// retiring slot from the roster.
func (p *Pool) releaseLocked(slot *agentSlot) {
	if slot == nil {
		return
	}
	slot.state = StateAvailable
	slot.workflowID = ""
	slot.roleID = ""
	if slot.retiring {
		delete(p.agents, slot.name)
		for i, n := range p.order {
			if n == slot.name {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		return
	}
	p.serveWaitersLocked()
}

func (p *Pool) serveWaitersLocked() {
	for len(p.waiters) > 0 {
		w := p.bestWaiterLocked()
		name, ok := p.allocateLocked(w.workflowID, w.roleID)
		if !ok {
			return
		}
		p.removeWaiterLocked(w)
		w.ch <- name
	}
}

func (p *Pool) bestWaiterLocked() *waiter {
	best := p.waiters[0]
	for _, w := range p.waiters[1:] {
		if w.priority < best.priority || (w.priority == best.priority && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

func (p *Pool) removeWaiterLocked(w *waiter) {
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) notify(name, workflowID, roleID string, typ events.Type) {
	log.Debug(log.CatPool, string(typ), "agent", name, "workflow", workflowID, "role", roleID)
	if p.bus != nil {
		p.bus.Emit(events.Event{
			Type:       typ,
			WorkflowID: workflowID,
			Payload:    events.AgentPayload{Agent: name, RoleID: roleID},
		})
	}
	p.changed()
}

func (p *Pool) changed() {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func rosterIndex(name string) int {
	for i, n := range rosterNames {
		if n == name {
			return i
		}
	}
	return MaxSize
}
