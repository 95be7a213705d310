package expressions

import (
	"encoding/json"
	"maps"
	"sync"
)

// Loop iteration variables injected into the context for the duration of
// one loop body pass.
const (
	LoopIndexVar     = "loop_index"
	LoopIterationVar = "loop_iteration"
)

// Scope holds the mutable instance context: trigger payload plus every
// variable written by completed nodes. It enforces:
//   - Loop variables (loop_index, loop_iteration) are scoped per iteration
//     and removed when the loop finishes.
//   - Parallel branch writes are isolated from sibling branches and merged
//     back only when the branch completes.
type Scope struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewScope creates a Scope seeded with the trigger payload. The seed map
// is deep-copied to prevent external mutation.
func NewScope(seed map[string]any) *Scope {
	return &Scope{vars: deepCopyMap(seed)}
}

// Set writes one context variable.
func (s *Scope) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vars == nil {
		s.vars = make(map[string]any)
	}
	s.vars[name] = deepCopyAny(value)
}

// Get reads one context variable.
func (s *Scope) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Delete removes one context variable.
func (s *Scope) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, name)
}

// Snapshot returns a deep copy of the current context, safe to hand to
// expression engines and interpolation concurrently with writes.
func (s *Scope) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := deepCopyMap(s.vars)
	if cp == nil {
		cp = make(map[string]any)
	}
	return cp
}

// WithLoopVars sets the per-iteration loop variables. Index is zero-based,
// iteration is one-based.
func (s *Scope) WithLoopVars(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vars == nil {
		s.vars = make(map[string]any)
	}
	s.vars[LoopIndexVar] = index
	s.vars[LoopIterationVar] = index + 1
}

// ClearLoopVars removes the loop variables once the loop completes.
func (s *Scope) ClearLoopVars() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vars, LoopIndexVar)
	delete(s.vars, LoopIterationVar)
}

// ForBranch returns an isolated child Scope for a parallel branch, seeded
// with a snapshot of the parent. Branch-local writes do not leak to
// siblings.
func (s *Scope) ForBranch() *Scope {
	return NewScope(s.Snapshot())
}

// MergeBranch merges a completed branch's variables back into the parent.
// Branch values win for keys the branch wrote or rewrote.
func (s *Scope) MergeBranch(branch *Scope) {
	vars := branch.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vars == nil {
		s.vars = make(map[string]any, len(vars))
	}
	maps.Copy(s.vars, vars)
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
