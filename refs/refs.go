// Package refs maps small integer handles to local values so the remote
// side can call back into them.
package refs

import "sync"

// Table is an append-only handle table. Handle 0 means "no value"; live
// handles are 1-based. Entries are never removed, the table lives as long as
// its connection.
type Table struct {
	mu    sync.RWMutex
	items []any
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Add stores v and returns its handle. nil maps to 0 without allocating.
func (t *Table) Add(v any) uint64 {
	if v == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, v)
	return uint64(len(t.items))
}

// Get returns the value stored under h. Handle 0 and unknown handles report
// false.
func (t *Table) Get(h uint64) (any, bool) {
	if h == 0 {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h > uint64(len(t.items)) {
		return nil, false
	}
	return t.items[h-1], true
}

// Len returns the number of stored values.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
