package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pjbridge/message"
)

type fakeRef struct {
	h        message.Handle
	sig      string
	released bool
}

func (r *fakeRef) Handle() message.Handle { return r.h }
func (r *fakeRef) Signature() string      { return r.sig }
func (r *fakeRef) Released() bool         { return r.released }

func TestMarshalScalars(t *testing.T) {
	var m Marshaler
	cases := []struct {
		in   any
		want message.Value
		tag  string
	}{
		{nil, message.Null(), TagNull},
		{"s", message.String("s"), TagString},
		{[]byte("b"), message.String("b"), TagString},
		{true, message.Bool(true), TagBool},
		{-7, message.Long(-7), TagLong},
		{int8(-1), message.Long(-1), TagLong},
		{uint64(math.MaxUint64), message.ULong(math.MaxUint64), TagLong},
		{float32(0.5), message.Double(0.5), TagDouble},
		{2.25, message.Double(2.25), TagDouble},
		{message.String("v"), message.String("v"), TagString},
	}
	for _, c := range cases {
		got, tag, err := m.Marshal(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%#v", c.in)
		assert.Equal(t, c.tag, tag, "%#v", c.in)
	}
}

func TestMarshalReference(t *testing.T) {
	var m Marshaler

	got, tag, err := m.Marshal(&fakeRef{h: 9, sig: "java.lang.String"})
	require.NoError(t, err)
	assert.Equal(t, message.Object(9, "java.lang.String", message.ObjectPlain), got)
	assert.Equal(t, "@ojava.lang.String", tag)

	var nilRef *fakeRef
	got, tag, err = m.Marshal(nilRef)
	require.NoError(t, err)
	assert.Equal(t, message.Null(), got)
	assert.Equal(t, TagNull, tag)

	_, _, err = m.Marshal(&fakeRef{h: 9, released: true})
	assert.ErrorIs(t, err, message.ErrReleased)
	assert.ErrorIs(t, err, message.ErrUsage)
}

func TestMarshalComposites(t *testing.T) {
	var m Marshaler

	got, tag, err := m.Marshal([]any{1, "a", nil})
	require.NoError(t, err)
	assert.Equal(t, Uncacheable, tag)
	assert.Equal(t, message.Array(message.Long(1), message.String("a"), message.Null()), got)

	got, tag, err = m.Marshal(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, Uncacheable, tag)
	assert.Equal(t, message.Map(
		message.Pair{Key: message.String("a"), Val: message.Long(1)},
		message.Pair{Key: message.String("b"), Val: message.Long(2)},
	), got)

	got, _, err = m.Marshal(map[int]bool{3: true, -1: false})
	require.NoError(t, err)
	assert.Equal(t, message.Map(
		message.Pair{Key: message.Long(-1), Val: message.Bool(false)},
		message.Pair{Key: message.Long(3), Val: message.Bool(true)},
	), got)

	_, _, err = m.Marshal([]any{&fakeRef{h: 1, released: true}})
	assert.ErrorIs(t, err, message.ErrReleased)
}

func TestMarshalSubstitute(t *testing.T) {
	var substituted []any
	m := Marshaler{OnSubstitute: func(v any) { substituted = append(substituted, v) }}

	ch := make(chan int)
	got, tag, err := m.Marshal(ch)
	require.NoError(t, err)
	assert.Equal(t, message.Null(), got)
	assert.Equal(t, Uncacheable, tag)
	assert.Len(t, substituted, 1)
}

func TestFingerprints(t *testing.T) {
	assert.Equal(t, "@java.lang.String@length", InvokeKey("java.lang.String", "length", nil))
	assert.Equal(t, "@java.util.HashMap@put@s@i", InvokeKey("java.util.HashMap", "put", []string{TagString, TagLong}))
	assert.Equal(t, "&@java.lang.StringBuilder@s", CreateKey("java.lang.StringBuilder", []string{TagString}))
	assert.Equal(t, Uncacheable, InvokeKey("x", "y", []string{TagString, Uncacheable}))
}

func TestUnmarshal(t *testing.T) {
	wrapped := 0
	wrap := func(v message.Value) any {
		wrapped++
		return v.Handle
	}

	assert.Equal(t, "s", Unmarshal(message.String("s"), wrap))
	assert.Equal(t, int64(-3), Unmarshal(message.Long(-3), wrap))
	assert.Equal(t, uint64(math.MaxUint64), Unmarshal(message.ULong(math.MaxUint64), wrap))
	assert.Nil(t, Unmarshal(message.Null(), wrap))
	assert.Nil(t, Unmarshal(message.Void(), wrap))

	got := Unmarshal(message.Map(
		message.Pair{Key: message.String("o"), Val: message.Object(4, "", 0)},
		message.Pair{Key: message.Long(1), Val: message.Array(message.Bool(true), message.Double(1))},
	), wrap)
	assert.Equal(t, map[any]any{
		"o":      message.Handle(4),
		int64(1): []any{true, 1.0},
	}, got)
	assert.Equal(t, 1, wrapped)
}

func TestCharset(t *testing.T) {
	cs, err := LookupCharset("")
	require.NoError(t, err)
	assert.Same(t, UTF8, cs)

	cs, err = LookupCharset("UTF-8")
	require.NoError(t, err)
	assert.Same(t, UTF8, cs)

	latin, err := LookupCharset("ISO-8859-1")
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", latin.Name())
	enc := latin.Encode("café")
	assert.Equal(t, []byte{'c', 'a', 'f', 0xe9}, []byte(enc))
	assert.Equal(t, "café", latin.Decode([]byte(enc)))

	_, err = LookupCharset("no-such-charset")
	assert.Error(t, err)
}
