package cache

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pjbridge/codec"
	"pjbridge/message"
	"pjbridge/protocol"
)

func template(t *testing.T, method string) *protocol.Template {
	t.Helper()
	enc := protocol.NewEncoder(io.Discard, 0, nil)
	require.NoError(t, enc.InvokeBegin(1, method))
	require.NoError(t, enc.InvokeEnd())
	return enc.Template()
}

func TestLookupStore(t *testing.T) {
	s := NewSet()
	key := codec.InvokeKey("java.lang.String", "length", nil)

	_, ok := s.Lookup(key)
	assert.False(t, ok)

	e := &Entry{Template: template(t, "length"), Signature: "java.lang.Integer", Object: message.ObjectPlain}
	assert.True(t, s.Store(key, e))
	assert.False(t, s.Store(key, &Entry{Template: template(t, "other")}), "entries are append-only")

	got, ok := s.Lookup(key)
	require.True(t, ok)
	assert.Same(t, e, got)

	assert.Equal(t, Stats{Hits: 1, Misses: 1, Entries: 1}, s.Stats())
}

func TestUncacheable(t *testing.T) {
	s := NewSet()
	assert.False(t, s.Store(codec.Uncacheable, &Entry{Template: template(t, "m")}))
	assert.False(t, s.Store("@x@y", &Entry{}))
	_, ok := s.Lookup(codec.Uncacheable)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Stats().Entries)
}

func TestTablesAreIsolated(t *testing.T) {
	s := NewSet()
	key := "@java.lang.Object@hashCode"
	require.True(t, s.Store(key, &Entry{Template: template(t, "hashCode")}))

	s.UseAsync()
	assert.True(t, s.Async())
	_, ok := s.Lookup(key)
	assert.False(t, ok)

	saved := s.Selected()
	s.UseDefault()
	_, ok = s.Lookup(key)
	assert.True(t, ok)

	s.Select(saved)
	assert.True(t, s.Async())
	s.Select(newTable())
	assert.True(t, s.Async(), "foreign tables are ignored")
}
