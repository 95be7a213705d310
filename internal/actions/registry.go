package actions

import (
	"sort"
	"sync"

	"github.com/triflow/triflow/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action. Duplicate names are rejected.
func (r *Registry) Register(action Action) error {
	if action.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}
	if action.Execute == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no execute function", action.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[action.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", action.Name)
	}

	r.actions[action.Name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return Action{}, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
	}
	return action, nil
}

// Has checks whether an action is registered. Used by workflow
// validation to reject definitions referencing unknown actions.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{
			Name:        a.Name,
			Description: a.Schema.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
