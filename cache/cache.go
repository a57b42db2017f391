// Package cache holds the signature cache: call-format templates keyed by
// call fingerprint. Entries are append-only for the lifetime of a
// connection; a fingerprint once stored is never replaced or evicted.
package cache

import (
	"sync/atomic"

	"pjbridge/codec"
	"pjbridge/message"
	"pjbridge/protocol"
)

// Entry is the confirmed wire shape of one call fingerprint.
type Entry struct {
	// Template is the request layout. Its mode is ModeCached for object
	// results and ModeVoid for void results.
	Template *protocol.Template
	// Signature and Object describe the predicted object result.
	Signature string
	Object    message.ObjectKind
	Void      bool
}

// Table is one fingerprint to entry map.
type Table struct {
	entries map[string]*Entry
	n       atomic.Int64
}

func newTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Len returns the number of stored fingerprints.
func (t *Table) Len() int { return int(t.n.Load()) }

// Stats are cumulative counters of a Set.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// Set is the default and the async table, selectable as a unit. A Set is
// owned by one session and is not safe for concurrent mutation; the
// counters may be read from any goroutine.
type Set struct {
	def     *Table
	async   *Table
	current *Table

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewSet returns a Set with the default table selected.
func NewSet() *Set {
	s := &Set{def: newTable(), async: newTable()}
	s.current = s.def
	return s
}

// Lookup returns the entry for key in the selected table. The uncacheable
// fingerprint never hits.
func (s *Set) Lookup(key string) (*Entry, bool) {
	if key == "" || key == codec.Uncacheable {
		s.misses.Add(1)
		return nil, false
	}
	e, ok := s.current.entries[key]
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return e, ok
}

// Store records e under key in the selected table. It reports false when the
// key is uncacheable or already present; existing entries are kept.
func (s *Set) Store(key string, e *Entry) bool {
	if key == "" || key == codec.Uncacheable || e == nil || e.Template == nil {
		return false
	}
	if _, ok := s.current.entries[key]; ok {
		return false
	}
	s.current.entries[key] = e
	s.current.n.Add(1)
	return true
}

// UseDefault selects the default table.
func (s *Set) UseDefault() { s.current = s.def }

// UseAsync selects the async table.
func (s *Set) UseAsync() { s.current = s.async }

// Async reports whether the async table is selected.
func (s *Set) Async() bool { return s.current == s.async }

// Selected returns the selected table, for save and restore around nested
// calls.
func (s *Set) Selected() *Table { return s.current }

// Select restores a table previously returned by Selected.
func (s *Set) Select(t *Table) {
	if t == s.def || t == s.async {
		s.current = t
	}
}

// Stats returns the counters.
func (s *Set) Stats() Stats {
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: s.def.Len() + s.async.Len(),
	}
}
