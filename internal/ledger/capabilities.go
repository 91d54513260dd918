package ledger

import (
	"slices"
	"sync"
)

// Capabilities remembers which optional trace columns the store lacks. One
// instance is owned by a Recorder for the life of the process.
type Capabilities struct {
	mu      sync.RWMutex
	missing map[string]struct{}
}

// NewCapabilities returns a cache with every optional column assumed present.
func NewCapabilities() *Capabilities {
	return &Capabilities{missing: make(map[string]struct{})}
}

// Missing reports whether column is known to be absent.
func (c *Capabilities) Missing(column string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.missing[column]
	return ok
}

// MarkMissing records column as absent. It returns false when the column was
// already marked, so callers never retry the same shape twice.
func (c *Capabilities) MarkMissing(column string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.missing[column]; ok {
		return false
	}
	c.missing[column] = struct{}{}
	return true
}

// MissingColumns lists absent columns in sorted order.
func (c *Capabilities) MissingColumns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.missing))
	for col := range c.missing {
		out = append(out, col)
	}
	slices.Sort(out)
	return out
}

// Reset forgets every recorded absence.
func (c *Capabilities) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missing = make(map[string]struct{})
}
