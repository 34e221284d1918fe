package executors

import (
	"sync"

	"github.com/fluxbpm/orchestrator/internal/expr"
)

// Vars is the mutable execution context of one scope. Concurrent branches
// share it; writes are last-writer-wins with no cross-key transactionality.
// Multi-instance parallel iterations get their own Clone.
type Vars struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

// NewVars creates a context seeded with the given values (may be nil).
func NewVars(init map[string]interface{}) *Vars {
	m := make(map[string]interface{}, len(init))
	for k, v := range init {
		m[k] = v
	}
	return &Vars{m: m}
}

// Get returns the value at key.
func (v *Vars) Get(key string) (interface{}, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

// Set stores the value at key.
func (v *Vars) Set(key string, val interface{}) {
	v.mu.Lock()
	v.m[key] = val
	v.mu.Unlock()
}

// SetAll merges every entry of m into the context.
func (v *Vars) SetAll(m map[string]interface{}) {
	v.mu.Lock()
	for k, val := range m {
		v.m[k] = val
	}
	v.mu.Unlock()
}

// Snapshot returns a shallow copy of the current mapping.
func (v *Vars) Snapshot() map[string]interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]interface{}, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

// Clone returns an independent copy, used to isolate parallel iterations.
func (v *Vars) Clone() *Vars {
	return NewVars(v.Snapshot())
}

// Expr returns a snapshot typed for the expression evaluator.
func (v *Vars) Expr() expr.Context {
	return expr.Context(v.Snapshot())
}

// Resolve looks up a dotted path against a snapshot of the context.
func (v *Vars) Resolve(path string) (interface{}, bool) {
	return expr.Resolve(path, v.Expr())
}
