package client

import (
	"context"

	"pjbridge/cache"
	"pjbridge/message"
	"pjbridge/protocol"
)

type frameKind uint8

const (
	frameRoot frameKind = iota
	frameComposite
	frameApply
)

// frame is one level of the response being decoded. The root frame holds
// the result, composite frames collect elements, and an apply frame holds a
// reverse call until the response is complete.
type frame struct {
	kind frameKind

	// root and apply
	vals []message.Value

	// composite
	isMap bool
	items []message.Value
	pairs []message.Pair
	key   message.Value

	// apply
	ref    uint64
	method string
}

func (f *frame) add(v message.Value) {
	switch f.kind {
	case frameComposite:
		if f.isMap {
			f.pairs = append(f.pairs, message.Pair{Key: f.key, Val: v})
			return
		}
		f.items = append(f.items, v)
	default:
		f.vals = append(f.vals, v)
	}
}

func (f *frame) value() message.Value {
	if f.isMap {
		return message.Map(f.pairs...)
	}
	return message.Array(f.items...)
}

// dispatcher turns the parser events of one response into frames. It is a
// protocol.Handler.
type dispatcher struct {
	s     *Session
	stack []*frame
}

func newDispatcher(s *Session) *dispatcher {
	return &dispatcher{s: s, stack: []*frame{{kind: frameRoot}}}
}

func (d *dispatcher) top() *frame { return d.stack[len(d.stack)-1] }

func (d *dispatcher) atRoot() bool { return len(d.stack) == 1 }

func (d *dispatcher) Begin(name byte, attrs protocol.Attrs) error {
	switch name {
	case protocol.TagApply:
		ref, err := protocol.ParseHex(attrs.Get("v"))
		if err != nil {
			return err
		}
		method := attrs.Get("m")
		if method == "" {
			method = attrs.Get("p")
		}
		d.stack = append(d.stack, &frame{kind: frameApply, ref: ref, method: method})
		return nil

	case protocol.TagComposite:
		d.stack = append(d.stack, &frame{kind: frameComposite, isMap: attrs.Get("t") == protocol.CompositeMap})
		return nil

	case protocol.TagPair:
		top := d.top()
		if top.kind != frameComposite {
			return message.Protocolf("pair outside composite")
		}
		key, keyed, err := protocol.ParseKey(attrs)
		if err != nil {
			return err
		}
		// keys only count inside t="H"; array elements keep their order
		switch {
		case !top.isMap:
		case keyed:
			top.key = key
		default:
			top.key = message.ULong(uint64(len(top.pairs)))
		}
		return nil

	case protocol.TagResult, protocol.TagFlush:
		return nil

	case protocol.TagVoid:
		if d.atRoot() && attrs.Get("n") != "T" {
			d.s.recordVoid()
		}
		d.top().add(message.Void())
		return nil

	case protocol.TagObject, protocol.TagFault:
		h, err := protocol.ParseHandle(attrs.Get("v"))
		if err != nil {
			return err
		}
		if h != message.NoHandle {
			d.s.asyncCtx = h
		}
	}

	v, ok, err := protocol.DecodeLeaf(name, attrs)
	if err != nil {
		return err
	}
	if !ok {
		return message.Protocolf("unknown tag %q", name)
	}
	if name == protocol.TagObject && v.Kind == message.KindObject && d.atRoot() && attrs.Get("n") != "T" {
		d.s.recordObject(v.Signature, v.Object)
	}
	d.top().add(v)
	return nil
}

func (d *dispatcher) End(name byte) error {
	if name != protocol.TagComposite {
		return nil
	}
	if len(d.stack) < 2 || d.top().kind != frameComposite {
		return message.Protocolf("unbalanced composite")
	}
	f := d.top()
	d.stack = d.stack[:len(d.stack)-1]
	d.top().add(f.value())
	return nil
}

// recordObject stores the shape of the call awaiting its result once the
// server confirmed an object result.
func (s *Session) recordObject(sig string, kind message.ObjectKind) {
	if s.current.tpl == nil {
		return
	}
	s.caches.Store(s.current.key, &cache.Entry{Template: s.current.tpl, Signature: sig, Object: kind})
	s.current = callShape{}
}

// recordVoid stores the shape of the call awaiting its result as void.
func (s *Session) recordVoid() {
	if s.current.tpl == nil {
		return
	}
	s.caches.Store(s.current.key, &cache.Entry{Template: s.current.tpl.WithMode(message.ModeVoid), Void: true})
	s.current = callShape{}
}

// roundTrip flushes the send buffer and reads until a terminal result
// arrives, serving reverse calls on the way. Reverse calls are handled in a
// loop, not by recursion, so a long chain of them does not grow the stack.
func (s *Session) roundTrip(ctx context.Context) (message.Value, error) {
	for {
		if err := s.enc.Flush(); err != nil {
			return message.Value{}, s.fail(err)
		}
		d := newDispatcher(s)
		if err := s.parser.Parse(d); err != nil {
			return message.Value{}, s.fail(err)
		}

		switch {
		case d.atRoot():
			s.stats.calls.Add(1)
			root := d.stack[0]
			if len(root.vals) == 0 {
				return message.Void(), nil
			}
			return root.vals[len(root.vals)-1], nil
		case len(d.stack) == 2 && d.stack[1].kind == frameApply:
			if err := s.apply(ctx, d.stack[1]); err != nil {
				return message.Value{}, s.fail(err)
			}
		default:
			return message.Value{}, s.fail(message.Protocolf("response ended inside an open frame"))
		}
	}
}
