package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/loom/pkg/api"
)

type workflowRegistry struct {
	mu     sync.RWMutex
	byKind map[string]api.WorkflowFunc
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{byKind: make(map[string]api.WorkflowFunc)}
}

func (r *workflowRegistry) Register(kind string, fn api.WorkflowFunc) error {
	if kind == "" {
		return fmt.Errorf("workflow kind is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: nil function", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[kind]; exists {
		return fmt.Errorf("workflow %q already registered", kind)
	}
	r.byKind[kind] = fn
	return nil
}

func (r *workflowRegistry) Get(kind string) (api.WorkflowFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", kind, api.ErrUnknownKind)
	}
	return fn, nil
}

type taskRegistry struct {
	mu     sync.RWMutex
	byKind map[string]api.TaskHandler
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{byKind: make(map[string]api.TaskHandler)}
}

func (r *taskRegistry) Register(kind string, h api.TaskHandler) error {
	if kind == "" {
		return fmt.Errorf("task kind is required")
	}
	if h == nil {
		return fmt.Errorf("task %q: nil handler", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[kind]; exists {
		return fmt.Errorf("task %q already registered", kind)
	}
	r.byKind[kind] = h
	return nil
}

func (r *taskRegistry) Get(kind string) (api.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byKind[kind]
	return h, ok
}
