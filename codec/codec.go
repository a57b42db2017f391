// Package codec converts local Go values into wire values.
//
// Every marshaled argument also yields a one-token type tag. The tags of all
// arguments, prefixed by the target signature and method name, form the call
// fingerprint that keys the signature cache:
//
//	@java.lang.String@length          no arguments
//	@java.util.HashMap@put@s@i        string and long arguments
//	&@java.lang.StringBuilder@s       constructor taking a string
//
// Composite arguments and values without the remote capability make a call
// uncacheable; their fingerprint collapses to Uncacheable.
package codec

import (
	"math"
	"reflect"
	"sort"
	"strings"

	"pjbridge/message"
)

// Argument type tags.
const (
	TagBool     = "@b"
	TagLong     = "@i"
	TagDouble   = "@d"
	TagString   = "@s"
	TagObject   = "@o"
	TagResource = "@r"
	TagNull     = "@N"
	TagUnknown  = "@u"

	// Uncacheable marks a fingerprint that must never be stored.
	Uncacheable = "~INVALID"
)

// Addressable is the proxy capability: a value that names a remote object.
type Addressable interface {
	Handle() message.Handle
	Signature() string
}

// Releasable is implemented by addressable values that can be released.
type Releasable interface {
	Released() bool
}

// Marshaler turns Go values into wire values.
type Marshaler struct {
	// OnSubstitute is called when a value without the remote capability is
	// replaced by a null reference.
	OnSubstitute func(v any)
}

// Marshal converts v and returns its fingerprint tag. The only error is a
// reference to an already released handle.
func (m Marshaler) Marshal(v any) (message.Value, string, error) {
	switch x := v.(type) {
	case nil:
		return message.Null(), TagNull, nil
	case message.Value:
		return x, tagOf(x), nil
	case Addressable:
		if isNilPointer(x) {
			return message.Null(), TagNull, nil
		}
		if r, ok := x.(Releasable); ok && r.Released() {
			return message.Value{}, Uncacheable, message.ErrReleased
		}
		return message.Object(x.Handle(), x.Signature(), message.ObjectPlain), TagObject + x.Signature(), nil
	case string:
		return message.String(x), TagString, nil
	case []byte:
		return message.String(string(x)), TagString, nil
	case bool:
		return message.Bool(x), TagBool, nil
	case int:
		return message.Long(int64(x)), TagLong, nil
	case int8:
		return message.Long(int64(x)), TagLong, nil
	case int16:
		return message.Long(int64(x)), TagLong, nil
	case int32:
		return message.Long(int64(x)), TagLong, nil
	case int64:
		return message.Long(x), TagLong, nil
	case uint:
		return message.ULong(uint64(x)), TagLong, nil
	case uint8:
		return message.ULong(uint64(x)), TagLong, nil
	case uint16:
		return message.ULong(uint64(x)), TagLong, nil
	case uint32:
		return message.ULong(uint64(x)), TagLong, nil
	case uint64:
		return message.ULong(x), TagLong, nil
	case float32:
		return message.Double(float64(x)), TagDouble, nil
	case float64:
		return message.Double(x), TagDouble, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]message.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, _, err := m.Marshal(rv.Index(i).Interface())
			if err != nil {
				return message.Value{}, Uncacheable, err
			}
			items = append(items, item)
		}
		return message.Array(items...), Uncacheable, nil
	case reflect.Map:
		pairs, ok, err := m.marshalMap(rv)
		if err != nil {
			return message.Value{}, Uncacheable, err
		}
		if ok {
			return message.Map(pairs...), Uncacheable, nil
		}
	}

	if m.OnSubstitute != nil {
		m.OnSubstitute(v)
	}
	return message.Null(), Uncacheable, nil
}

// marshalMap encodes maps keyed by strings or integers, keys sorted so the
// wire bytes are deterministic.
func (m Marshaler) marshalMap(rv reflect.Value) ([]message.Pair, bool, error) {
	keys := rv.MapKeys()
	var keyOf func(k reflect.Value) message.Value
	switch rv.Type().Key().Kind() {
	case reflect.String:
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		keyOf = func(k reflect.Value) message.Value { return message.String(k.String()) }
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Int() < keys[j].Int() })
		keyOf = func(k reflect.Value) message.Value { return message.Long(k.Int()) }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		sort.Slice(keys, func(i, j int) bool { return keys[i].Uint() < keys[j].Uint() })
		keyOf = func(k reflect.Value) message.Value { return message.ULong(k.Uint()) }
	default:
		return nil, false, nil
	}
	pairs := make([]message.Pair, 0, len(keys))
	for _, k := range keys {
		val, _, err := m.Marshal(rv.MapIndex(k).Interface())
		if err != nil {
			return nil, false, err
		}
		pairs = append(pairs, message.Pair{Key: keyOf(k), Val: val})
	}
	return pairs, true, nil
}

func tagOf(v message.Value) string {
	switch v.Kind {
	case message.KindNull, message.KindVoid:
		return TagNull
	case message.KindString:
		return TagString
	case message.KindBool:
		return TagBool
	case message.KindLong:
		return TagLong
	case message.KindDouble:
		return TagDouble
	case message.KindObject:
		return TagObject + v.Signature
	}
	return Uncacheable
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// InvokeKey is the fingerprint of a method call on an object of the given signature.
func InvokeKey(signature, method string, tags []string) string {
	return fingerprint("@"+signature+"@"+method, tags)
}

// CreateKey is the fingerprint of a constructor call.
func CreateKey(class string, tags []string) string {
	return fingerprint("&@"+class, tags)
}

func fingerprint(prefix string, tags []string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, t := range tags {
		if t == Uncacheable {
			return Uncacheable
		}
		b.WriteString(t)
	}
	return b.String()
}

// Unmarshal converts a decoded scalar or composite into a plain Go value:
// string, bool, int64, float64, []any, map[any]any or nil. Object references
// and faults are returned unchanged as message.Value for the caller to wrap.
func Unmarshal(v message.Value, wrap func(message.Value) any) any {
	switch v.Kind {
	case message.KindString:
		return v.Str
	case message.KindBool:
		return v.Bool
	case message.KindLong:
		if !v.Neg && v.Mag > math.MaxInt64 {
			return v.Mag
		}
		return v.Int64()
	case message.KindDouble:
		return v.Double
	case message.KindArray:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = Unmarshal(item, wrap)
		}
		return out
	case message.KindMap:
		out := make(map[any]any, len(v.Pairs))
		for _, p := range v.Pairs {
			out[Unmarshal(p.Key, wrap)] = Unmarshal(p.Val, wrap)
		}
		return out
	case message.KindObject, message.KindFault:
		if wrap != nil {
			return wrap(v)
		}
		return v
	}
	return nil
}
