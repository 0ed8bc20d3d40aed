// Package registry maps workflow type names to definition factories. The
// coordinator instantiates workflows by name, so new types plug in by
// registering a factory at startup.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/workflow"
)

// Factory builds a fresh definition for one workflow instance. Definitions
// carry per-run state, so the factory is called once per dispatch.
type Factory func(input workflow.Input) (workflow.Definition, error)

// ErrUnknownType is returned when no factory is registered for a type.
var ErrUnknownType = fmt.Errorf("unknown workflow type")

// Registry is a concurrency-safe factory table.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewWithBuiltins returns a registry with the built-in workflow types.
func NewWithBuiltins() *Registry {
	r := New()
	r.Register(workflow.TypePlanningNew, func(workflow.Input) (workflow.Definition, error) {
		return workflow.NewPlanning(), nil
	})
	r.Register(workflow.TypePlanningRevision, func(workflow.Input) (workflow.Definition, error) {
		return workflow.NewRevision(), nil
	})
	r.Register(workflow.TypeTaskImpl, func(in workflow.Input) (workflow.Definition, error) {
		if in.String("task_id") == "" {
			return nil, fmt.Errorf("task_implementation requires a task_id")
		}
		return workflow.NewTaskImpl(), nil
	})
	r.Register(workflow.TypeErrorResolution, func(in workflow.Input) (workflow.Definition, error) {
		if in.String("report") == "" {
			return nil, fmt.Errorf("error_resolution requires a report")
		}
		return workflow.NewErrorRes(), nil
	})
	r.Register(workflow.TypeContextGathering, func(in workflow.Input) (workflow.Definition, error) {
		if in.String("request") == "" {
			return nil, fmt.Errorf("context_gathering requires a request")
		}
		return workflow.NewContextGather(), nil
	})
	return r
}

// Register adds a factory for the type. Re-registering replaces the previous
// factory; the overwrite is logged, not an error, so callers can override
// built-ins.
func (r *Registry) Register(typeName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeName]; exists {
		log.Warn(log.CatWF, "workflow type re-registered", "type", typeName)
	}
	r.factories[typeName] = f
}

// Instantiate builds a definition for the type with the given input.
func (r *Registry) Instantiate(typeName string, input workflow.Input) (workflow.Definition, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return f(input)
}

// Known reports whether the type has a factory.
func (r *Registry) Known(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeName]
	return ok
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
