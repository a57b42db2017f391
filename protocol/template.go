package protocol

import (
	"strconv"

	"pjbridge/codec"
	"pjbridge/message"
)

type slotKind uint8

const (
	slotHex slotKind = iota + 1
	slotString
	slotBool
	slotDecimal
	slotDouble
)

type segment struct {
	lit  string
	slot slotKind
}

// Template is the recorded byte layout of a request with holes where the
// target handle and the argument values go. Stamping a template produces a
// cached request without re-encoding the call structure.
type Template struct {
	segs      []segment
	hasTarget bool
	slots     int
}

func (t *Template) lit(s string) {
	if n := len(t.segs); n > 0 && t.segs[n-1].slot == 0 {
		t.segs[n-1].lit += s
		return
	}
	t.segs = append(t.segs, segment{lit: s})
}

func (t *Template) hole(k slotKind) {
	t.segs = append(t.segs, segment{slot: k})
	t.slots++
}

// Mode returns the mode digit stamped into the request header.
func (t *Template) Mode() message.Mode {
	if len(t.segs) == 0 || len(t.segs[0].lit) <= modeOffset {
		return 0
	}
	return message.Mode(t.segs[0].lit[modeOffset])
}

// WithMode returns a copy of t whose header carries mode m.
func (t *Template) WithMode(m message.Mode) *Template {
	c := &Template{segs: append([]segment(nil), t.segs...), hasTarget: t.hasTarget, slots: t.slots}
	if len(c.segs) > 0 && len(c.segs[0].lit) > modeOffset {
		b := []byte(c.segs[0].lit)
		b[modeOffset] = byte(m)
		c.segs[0].lit = string(b)
	}
	return c
}

// Slots returns the number of holes, target handle included.
func (t *Template) Slots() int { return t.slots }

// Stamp fills the holes with target and args. The argument kinds must line up
// with the kinds the template was recorded from.
func (t *Template) Stamp(cs *codec.Charset, target message.Handle, args []message.Value) ([]byte, error) {
	vals := args
	if t.hasTarget {
		vals = make([]message.Value, 0, len(args)+1)
		vals = append(vals, message.ULong(uint64(target)))
		vals = append(vals, args...)
	}
	if len(vals) != t.slots {
		return nil, message.Protocolf("template expects %d values, got %d", t.slots, len(vals))
	}

	out := make([]byte, 0, 64)
	i := 0
	for _, s := range t.segs {
		if s.slot == 0 {
			out = append(out, s.lit...)
			continue
		}
		v := vals[i]
		i++
		switch s.slot {
		case slotHex:
			switch v.Kind {
			case message.KindObject:
				out = strconv.AppendUint(out, uint64(v.Handle), 16)
			case message.KindNull, message.KindVoid:
				out = append(out, '0')
			case message.KindLong:
				out = strconv.AppendUint(out, v.Mag, 16)
			default:
				return nil, message.Protocolf("template slot %d: cannot stamp %s as handle", i, v.Kind)
			}
		case slotString:
			if v.Kind != message.KindString {
				return nil, message.Protocolf("template slot %d: cannot stamp %s as string", i, v.Kind)
			}
			out = append(out, Escape(cs.Encode(v.Str))...)
		case slotBool:
			if v.Kind != message.KindBool {
				return nil, message.Protocolf("template slot %d: cannot stamp %s as bool", i, v.Kind)
			}
			if v.Bool {
				out = append(out, '1')
			} else {
				out = append(out, '0')
			}
		case slotDecimal:
			if v.Kind != message.KindLong {
				return nil, message.Protocolf("template slot %d: cannot stamp %s as long", i, v.Kind)
			}
			out = append(out, formatDecimal(v)...)
		case slotDouble:
			if v.Kind != message.KindDouble {
				return nil, message.Protocolf("template slot %d: cannot stamp %s as double", i, v.Kind)
			}
			out = append(out, formatDouble(v.Double)...)
		}
	}
	return out, nil
}
