// Package message defines the values exchanged with the remote runtime.
//
// A Handle names one object living in the remote runtime. A Value is the
// "envelope" for one scalar, composite or object reference on the wire. A Call
// is one forward request (invoke, construct, reference, property access) and a
// Fault is the structured form of a remote failure.
//
//   - On request:  Call.Args carries the positional arguments in call order.
//   - On response: the decoded Value is either a scalar, a composite, an object
//     reference that becomes a proxy, or a Fault.
package message

import (
	"fmt"
	"math"
	"strconv"
)

// Handle identifies one object in the remote runtime. It is unique for the
// lifetime of a connection. NoHandle addresses free functions and stands for
// "no object".
type Handle uint32

// NoHandle is the reserved zero handle.
const NoHandle Handle = 0

// Hex renders the handle the way the wire carries it.
func (h Handle) Hex() string { return strconv.FormatUint(uint64(h), 16) }

// Kind is the tag of a Value.
type Kind uint8

const (
	KindVoid Kind = iota
	KindNull
	KindString
	KindBool
	KindLong
	KindDouble
	KindObject
	KindArray
	KindMap
	KindFault
)

var kindNames = [...]string{"void", "null", "string", "bool", "long", "double", "object", "array", "map", "fault"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ObjectKind selects the proxy factory for an object reference. It is the
// first character of the type attribute the remote side attaches to an O tag.
type ObjectKind byte

const (
	ObjectPlain      ObjectKind = 'O'
	ObjectException  ObjectKind = 'E'
	ObjectCollection ObjectKind = 'C'
	ObjectArray      ObjectKind = 'A'
)

// ObjectKindOf maps a wire type attribute to a factory kind.
func ObjectKindOf(typeTag string) ObjectKind {
	if typeTag == "" {
		return ObjectPlain
	}
	switch ObjectKind(typeTag[0]) {
	case ObjectException:
		return ObjectException
	case ObjectCollection:
		return ObjectCollection
	case ObjectArray:
		return ObjectArray
	}
	return ObjectPlain
}

func (k ObjectKind) String() string {
	switch k {
	case ObjectException:
		return "exception"
	case ObjectCollection:
		return "collection"
	case ObjectArray:
		return "array"
	}
	return "object"
}

// Value is one wire value. Only the fields relevant to Kind are set.
// Longs travel as sign plus magnitude because the wire format is text.
type Value struct {
	Kind      Kind
	Str       string     // KindString, fault message for KindFault
	Bool      bool       // KindBool
	Neg       bool       // KindLong: true when negative
	Mag       uint64     // KindLong: magnitude
	Double    float64    // KindDouble
	Handle    Handle     // KindObject, KindFault
	Signature string     // KindObject: remote type signature, empty when unknown
	Object    ObjectKind // KindObject
	Items     []Value    // KindArray
	Pairs     []Pair     // KindMap
}

// Pair is one element of a keyed composite. Key is a KindString or KindLong value.
type Pair struct {
	Key Value
	Val Value
}

func Void() Value { return Value{Kind: KindVoid} }
func Null() Value { return Value{Kind: KindNull} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Double(f float64) Value { return Value{Kind: KindDouble, Double: f} }
func ULong(u uint64) Value { return Value{Kind: KindLong, Mag: u} }
func Array(items ...Value) Value { return Value{Kind: KindArray, Items: items} }
func Map(pairs ...Pair) Value { return Value{Kind: KindMap, Pairs: pairs} }

// Long builds a signed long value.
func Long(n int64) Value {
	if n < 0 {
		// two's complement negation keeps MinInt64 intact as a magnitude
		return Value{Kind: KindLong, Neg: true, Mag: uint64(^n) + 1}
	}
	return Value{Kind: KindLong, Mag: uint64(n)}
}

// Object builds an object reference. Handle zero collapses to Null.
func Object(h Handle, signature string, kind ObjectKind) Value {
	if h == NoHandle {
		return Null()
	}
	if kind == 0 {
		kind = ObjectPlain
	}
	return Value{Kind: KindObject, Handle: h, Signature: signature, Object: kind}
}

// FaultValue carries a decoded E tag.
func FaultValue(h Handle, msg string) Value {
	return Value{Kind: KindFault, Handle: h, Str: msg}
}

// Int64 returns the signed value of a long. Magnitudes that do not fit are
// clamped to the int64 range.
func (v Value) Int64() int64 {
	if v.Neg {
		if v.Mag > math.MaxInt64 {
			return math.MinInt64
		}
		return -int64(v.Mag)
	}
	if v.Mag > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v.Mag)
}

// IsNil reports whether the value carries no data (null or void).
func (v Value) IsNil() bool { return v.Kind == KindNull || v.Kind == KindVoid }

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindLong:
		return strconv.FormatInt(v.Int64(), 10)
	case KindDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case KindObject:
		return fmt.Sprintf("%s#%s(%s)", v.Object, v.Handle.Hex(), v.Signature)
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.Items))
	case KindMap:
		return fmt.Sprintf("map[%d]", len(v.Pairs))
	case KindFault:
		return fmt.Sprintf("fault#%s(%s)", v.Handle.Hex(), v.Str)
	}
	return v.Kind.String()
}
