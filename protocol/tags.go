// Package protocol implements the tagged markup wire format spoken with the
// remote runtime.
//
// Every request and every response is a sequence of self-delimiting tags.
// A response ends when the tag nesting depth returns to zero, so no length
// header is needed on the stream itself:
//
//	<Y p="1" v="5" m="add"><L v="3" p="O"/></Y>     invoke add(3) on handle 5
//	<O v="6" m="java.lang.Integer" p="O" n="F"/>     object result, handle 6
//	<E v="7" m="Invoke failed. Cause: x.y.Z: boom"/> remote fault
//
// The Encoder appends tags to a send buffer and records a call-format
// Template for the signature cache. The Parser is a single-pass streaming
// tokenizer that turns raw bytes into Begin/End events.
package protocol

import (
	"strconv"
	"strings"

	"pjbridge/message"
)

// Tag codes of the wire vocabulary.
const (
	TagInvoke    byte = 'Y'
	TagCreate    byte = 'K'
	TagReference byte = 'H'
	TagProperty  byte = 'G'
	TagResult    byte = 'R'
	TagString    byte = 'S'
	TagBoolean   byte = 'T' // boolean sent to the remote side
	TagBool      byte = 'B' // boolean sent by the remote side
	TagLong      byte = 'L'
	TagExact     byte = 'J' // signed decimal long, used by cached templates
	TagDouble    byte = 'D'
	TagObject    byte = 'O'
	TagNull      byte = 'N'
	TagVoid      byte = 'V'
	TagFault     byte = 'E'
	TagComposite byte = 'X'
	TagPair      byte = 'P'
	TagApply     byte = 'A'
	TagUnref     byte = 'U'
	TagExit      byte = 'Z'
	TagFlush     byte = 'F'
)

// Composite types carried by the t attribute of X.
const (
	CompositeArray = "A"
	CompositeMap   = "H"
)

// Sign markers carried by the p attribute of L.
const (
	SignNegative    = "A"
	SignNonNegative = "O"
)

// modeOffset is the index of the mode digit in a request header such as
// `<Y p="2" ...`; cached templates and cancellation rewrite it in place.
const modeOffset = 6

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// Escape replaces the wire's reserved characters with entity references.
// Single quotes are left alone.
func Escape(s string) string {
	return escaper.Replace(s)
}

// ParseHex decodes a hexadecimal attribute. An empty string is zero.
func ParseHex(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, message.Protocolf("bad hex value %q", s)
	}
	return n, nil
}

// ParseHandle decodes a hexadecimal handle attribute.
func ParseHandle(s string) (message.Handle, error) {
	n, err := ParseHex(s)
	if err != nil {
		return 0, err
	}
	if n > 0xffffffff {
		return 0, message.Protocolf("handle %q out of range", s)
	}
	return message.Handle(n), nil
}

func formatDouble(f float64) string {
	switch {
	case f != f:
		return "NaN"
	case f > 1.7976931348623157e308:
		return "Infinity"
	case f < -1.7976931348623157e308:
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'e', 14, 64)
}

func formatDecimal(v message.Value) string {
	s := strconv.FormatUint(v.Mag, 10)
	if v.Neg && v.Mag != 0 {
		return "-" + s
	}
	return s
}
