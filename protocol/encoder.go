package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"pjbridge/codec"
	"pjbridge/message"
)

// Encoder appends request tags to a send buffer and flushes the buffer to the
// underlying writer once it grows past the threshold. At most one cached
// request is held back in a pending slot so that a later request, or a
// cancellation, can still decide its fate.
//
// While an invoke or create envelope is being written the encoder records a
// Template of it. Any tag that cannot be stamped from a template (composites,
// faults) invalidates the recording.
type Encoder struct {
	w         io.Writer
	cs        *codec.Charset
	threshold int

	buf     []byte
	pending []byte

	tpl       *Template
	recording bool

	flushed atomic.Uint64
}

// NewEncoder returns an encoder writing to w. A threshold of zero or less
// flushes only on request.
func NewEncoder(w io.Writer, threshold int, cs *codec.Charset) *Encoder {
	if cs == nil {
		cs = codec.UTF8
	}
	return &Encoder{w: w, cs: cs, threshold: threshold}
}

func (e *Encoder) write(s string) error {
	e.buf = append(e.buf, s...)
	if e.threshold > 0 && len(e.buf) >= e.threshold {
		return e.Flush()
	}
	return nil
}

func (e *Encoder) record(parts ...any) {
	if !e.recording {
		return
	}
	for _, p := range parts {
		switch p := p.(type) {
		case string:
			e.tpl.lit(p)
		case slotKind:
			e.tpl.hole(p)
		}
	}
}

func (e *Encoder) invalidate() {
	e.recording = false
	e.tpl = nil
}

// promote moves the held-back cached request into the send buffer.
func (e *Encoder) promote() {
	if e.pending != nil {
		e.buf = append(e.buf, e.pending...)
		e.pending = nil
	}
}

// InvokeBegin opens a full invoke envelope of method on target.
func (e *Encoder) InvokeBegin(target message.Handle, method string) error {
	e.promote()
	e.tpl, e.recording = &Template{hasTarget: true}, true
	m := Escape(method)
	e.record(`<Y p="2" v="`, slotHex, `" m="`+m+`">`)
	return e.write(`<Y p="1" v="` + target.Hex() + `" m="` + m + `">`)
}

// InvokeEnd closes an invoke envelope.
func (e *Encoder) InvokeEnd() error {
	e.record("</Y>")
	e.recording = false
	return e.write("</Y>")
}

// CreateObjectBegin opens a full construct envelope for class.
func (e *Encoder) CreateObjectBegin(class string) error {
	e.promote()
	e.tpl, e.recording = &Template{}, true
	c := Escape(e.cs.Encode(class))
	e.record(`<K p="2" v="` + c + `">`)
	return e.write(`<K p="1" v="` + c + `">`)
}

// CreateObjectEnd closes a construct envelope.
func (e *Encoder) CreateObjectEnd() error {
	e.record("</K>")
	e.recording = false
	return e.write("</K>")
}

// ReferenceBegin opens a class reference envelope. References are never cached.
func (e *Encoder) ReferenceBegin(class string) error {
	e.promote()
	e.invalidate()
	return e.write(`<H p="1" v="` + Escape(e.cs.Encode(class)) + `">`)
}

// ReferenceEnd closes a class reference envelope.
func (e *Encoder) ReferenceEnd() error { return e.write("</H>") }

// PropertyAccessBegin opens a property access envelope. Property access is never cached.
func (e *Encoder) PropertyAccessBegin(target message.Handle, name string) error {
	e.promote()
	e.invalidate()
	return e.write(`<G p="1" v="` + target.Hex() + `" m="` + Escape(name) + `">`)
}

// PropertyAccessEnd closes a property access envelope.
func (e *Encoder) PropertyAccessEnd() error { return e.write("</G>") }

// ResultBegin opens the reply to a reverse call.
func (e *Encoder) ResultBegin() error {
	e.promote()
	e.invalidate()
	return e.write("<R>")
}

// ResultEnd closes the reply to a reverse call.
func (e *Encoder) ResultEnd() error { return e.write("</R>") }

func (e *Encoder) WriteString(s string) error {
	e.record(`<S v="`, slotString, `"/>`)
	return e.write(`<S v="` + Escape(e.cs.Encode(s)) + `"/>`)
}

func (e *Encoder) WriteBoolean(b bool) error {
	e.record(`<T v="`, slotBool, `"/>`)
	if b {
		return e.write(`<T v="1"/>`)
	}
	return e.write(`<T v="0"/>`)
}

// WriteLong writes a signed long as sign marker plus hexadecimal magnitude.
func (e *Encoder) WriteLong(v message.Value) error {
	e.record(`<J v="`, slotDecimal, `"/>`)
	sign := SignNonNegative
	if v.Neg && v.Mag != 0 {
		sign = SignNegative
	}
	return e.write(`<L v="` + strconv.FormatUint(v.Mag, 16) + `" p="` + sign + `"/>`)
}

// WriteULong writes an unsigned long, typically a handle passed by value.
func (e *Encoder) WriteULong(u uint64) error {
	e.record(`<L v="`, slotHex, `" p="O"/>`)
	return e.write(`<L v="` + strconv.FormatUint(u, 16) + `" p="O"/>`)
}

func (e *Encoder) WriteDouble(f float64) error {
	e.record(`<D v="`, slotDouble, `"/>`)
	return e.write(`<D v="` + formatDouble(f) + `"/>`)
}

// WriteObject writes an object reference. Handle zero is null.
func (e *Encoder) WriteObject(h message.Handle) error {
	e.record(`<O v="`, slotHex, `"/>`)
	return e.write(`<O v="` + h.Hex() + `"/>`)
}

func (e *Encoder) WriteNull() error { return e.WriteObject(message.NoHandle) }

// WriteException writes a fault, used to answer a failed reverse call.
func (e *Encoder) WriteException(h message.Handle, msg string) error {
	e.invalidate()
	return e.write(`<E v="` + h.Hex() + `" m="` + Escape(e.cs.Encode(msg)) + `"/>`)
}

// CompositeBegin opens an array (isMap false) or a map composite.
func (e *Encoder) CompositeBegin(isMap bool) error {
	e.invalidate()
	if isMap {
		return e.write(`<X t="H">`)
	}
	return e.write(`<X t="A">`)
}

func (e *Encoder) CompositeEnd() error { return e.write("</X>") }

// PairBegin opens an unkeyed composite element.
func (e *Encoder) PairBegin() error { return e.write("<P>") }

// PairBeginKey opens a string-keyed composite element.
func (e *Encoder) PairBeginKey(key string) error {
	return e.write(`<P t="S" v="` + Escape(e.cs.Encode(key)) + `">`)
}

// PairBeginIndex opens an integer-keyed composite element. Negative keys
// carry a leading minus before the hexadecimal magnitude.
func (e *Encoder) PairBeginIndex(key message.Value) error {
	v := strconv.FormatUint(key.Mag, 16)
	if key.Neg && key.Mag != 0 {
		v = "-" + v
	}
	return e.write(`<P t="N" v="` + v + `">`)
}

func (e *Encoder) PairEnd() error { return e.write("</P>") }

// WriteValue writes v, descending into composites.
func (e *Encoder) WriteValue(v message.Value) error {
	switch v.Kind {
	case message.KindNull, message.KindVoid:
		return e.WriteNull()
	case message.KindString:
		return e.WriteString(v.Str)
	case message.KindBool:
		return e.WriteBoolean(v.Bool)
	case message.KindLong:
		return e.WriteLong(v)
	case message.KindDouble:
		return e.WriteDouble(v.Double)
	case message.KindObject:
		return e.WriteObject(v.Handle)
	case message.KindFault:
		return e.WriteException(v.Handle, v.Str)
	case message.KindArray:
		if err := e.CompositeBegin(false); err != nil {
			return err
		}
		for _, it := range v.Items {
			if err := e.PairBegin(); err != nil {
				return err
			}
			if err := e.WriteValue(it); err != nil {
				return err
			}
			if err := e.PairEnd(); err != nil {
				return err
			}
		}
		return e.CompositeEnd()
	case message.KindMap:
		if err := e.CompositeBegin(true); err != nil {
			return err
		}
		for _, p := range v.Pairs {
			var err error
			if p.Key.Kind == message.KindLong {
				err = e.PairBeginIndex(p.Key)
			} else {
				err = e.PairBeginKey(p.Key.Str)
			}
			if err != nil {
				return err
			}
			if err := e.WriteValue(p.Val); err != nil {
				return err
			}
			if err := e.PairEnd(); err != nil {
				return err
			}
		}
		return e.CompositeEnd()
	}
	return message.Usagef("cannot encode %s", v.Kind)
}

// Unref writes a release notice for h.
func (e *Encoder) Unref(h message.Handle) error {
	e.promote()
	return e.write(`<U v="` + h.Hex() + `"/>`)
}

// ExitCode writes the termination envelope.
func (e *Encoder) ExitCode(code uint32) error {
	e.promote()
	return e.write(`<Z v="` + strconv.FormatUint(uint64(code), 16) + `"/>`)
}

// Raw appends b unchanged, used for the handshake byte.
func (e *Encoder) Raw(b []byte) error { return e.write(string(b)) }

// Template returns the template recorded for the last invoke or create
// envelope, or nil when the envelope could not be recorded.
func (e *Encoder) Template() *Template {
	if e.recording {
		return nil
	}
	return e.tpl
}

// Prepare holds a stamped cached request back. A request already held back
// is moved into the send buffer first.
func (e *Encoder) Prepare(req []byte) error {
	e.promote()
	if e.threshold > 0 && len(e.buf) >= e.threshold {
		if err := e.Flush(); err != nil {
			return err
		}
	}
	e.pending = req
	return nil
}

// HasPending reports whether a cached request is held back.
func (e *Encoder) HasPending() bool { return e.pending != nil }

// CancelPending turns the held-back cached request into a void request, so
// the remote side discards its result instead of allocating a handle, and
// moves it into the send buffer. It reports false when nothing is held back.
func (e *Encoder) CancelPending() bool {
	if e.pending == nil || len(e.pending) <= modeOffset {
		return false
	}
	e.pending[modeOffset] = byte(message.ModeVoid)
	e.promote()
	return true
}

// Flush writes the send buffer to the underlying writer. A held-back cached
// request stays held back.
func (e *Encoder) Flush() error {
	if len(e.buf) == 0 {
		return nil
	}
	n, err := e.w.Write(e.buf)
	e.flushed.Add(uint64(n))
	if err != nil {
		e.buf = e.buf[:0]
		if errors.Is(err, message.ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: write: %v", message.ErrTransport, err)
	}
	e.buf = e.buf[:0]
	return nil
}

// FlushAll moves a held-back request into the send buffer and flushes.
func (e *Encoder) FlushAll() error {
	e.promote()
	return e.Flush()
}

// Buffered returns the unsent bytes, held-back request excluded.
func (e *Encoder) Buffered() []byte { return e.buf }

// Flushed returns the number of bytes written so far. It may be called
// from any goroutine.
func (e *Encoder) Flushed() uint64 { return e.flushed.Load() }
