package engine

import (
	"sync"

	"github.com/fluxbpm/orchestrator/internal/model"
)

// compEntry records one registered compensation handler: the task it
// protects, the handler element to run, and the context captured at the
// moment the protected task completed.
type compEntry struct {
	scopeID   string
	elementID string
	handler   *model.Element
	snapshot  map[string]interface{}
}

// compensations is the per-instance compensation registry. Handlers are
// registered as protected tasks complete and fire in reverse registration
// order when a scope is compensated.
type compensations struct {
	mu      sync.Mutex
	entries []compEntry
}

func (c *compensations) register(scopeID, elementID string, handler *model.Element, snapshot map[string]interface{}) {
	c.mu.Lock()
	c.entries = append(c.entries, compEntry{scopeID, elementID, handler, snapshot})
	c.mu.Unlock()
}

// take removes and returns the scope's entries in LIFO order.
func (c *compensations) take(scopeID string) []compEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var taken []compEntry
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.scopeID == scopeID {
			taken = append(taken, e)
		} else {
			kept = append(kept, e)
		}
	}
	c.entries = kept
	for i, j := 0, len(taken)-1; i < j; i, j = i+1, j-1 {
		taken[i], taken[j] = taken[j], taken[i]
	}
	return taken
}

// clear drops the scope's entries on scope exit without compensation.
func (c *compensations) clear(scopeID string) {
	c.mu.Lock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.scopeID != scopeID {
			kept = append(kept, e)
		}
	}
	c.entries = kept
	c.mu.Unlock()
}
