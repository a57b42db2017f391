package protocol

import (
	"strconv"
	"strings"

	"pjbridge/message"
)

// DecodeLeaf converts a scalar tag into a value. It reports false for tags
// that are not scalars.
func DecodeLeaf(name byte, attrs Attrs) (message.Value, bool, error) {
	v := attrs.Get("v")
	switch name {
	case TagString:
		return message.String(v), true, nil
	case TagBool, TagBoolean:
		return message.Bool(v == "1" || strings.HasPrefix(v, "T") || strings.HasPrefix(v, "t")), true, nil
	case TagLong:
		mag, err := ParseHex(v)
		if err != nil {
			return message.Value{}, true, err
		}
		return message.Value{Kind: message.KindLong, Mag: mag, Neg: attrs.Get("p") == SignNegative && mag != 0}, true, nil
	case TagExact:
		neg := strings.HasPrefix(v, "-")
		mag, err := strconv.ParseUint(strings.TrimPrefix(v, "-"), 10, 64)
		if err != nil {
			return message.Value{}, true, message.Protocolf("bad decimal value %q", v)
		}
		return message.Value{Kind: message.KindLong, Mag: mag, Neg: neg && mag != 0}, true, nil
	case TagDouble:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return message.Value{}, true, message.Protocolf("bad double value %q", v)
		}
		return message.Double(f), true, nil
	case TagNull:
		return message.Null(), true, nil
	case TagVoid:
		return message.Void(), true, nil
	case TagObject:
		h, err := ParseHandle(v)
		if err != nil {
			return message.Value{}, true, err
		}
		return message.Object(h, attrs.Get("m"), message.ObjectKindOf(attrs.Get("p"))), true, nil
	case TagFault:
		h, err := ParseHandle(v)
		if err != nil {
			return message.Value{}, true, err
		}
		return message.FaultValue(h, attrs.Get("m")), true, nil
	}
	return message.Value{}, false, nil
}

// ParseKey decodes the key of a P tag: t="S" is a string key, t="N" a
// hexadecimal integer key with an optional leading minus.
func ParseKey(attrs Attrs) (message.Value, bool, error) {
	v := attrs.Get("v")
	switch attrs.Get("t") {
	case "S":
		return message.String(v), true, nil
	case "N":
		neg := strings.HasPrefix(v, "-")
		mag, err := ParseHex(strings.TrimPrefix(v, "-"))
		if err != nil {
			return message.Value{}, false, err
		}
		return message.Value{Kind: message.KindLong, Mag: mag, Neg: neg && mag != 0}, true, nil
	}
	return message.Value{}, false, nil
}

// composite collects the elements of one X tag.
type composite struct {
	isMap  bool
	items  []message.Value
	pairs  []message.Pair
	key    message.Value
	hasKey bool
}

func (c *composite) add(v message.Value) {
	if c.isMap {
		c.pairs = append(c.pairs, message.Pair{Key: c.key, Val: v})
		c.hasKey = false
		return
	}
	c.items = append(c.items, v)
}

func (c *composite) value() message.Value {
	if c.isMap {
		return message.Map(c.pairs...)
	}
	return message.Array(c.items...)
}

// callDecoder builds a request envelope from parser events. It is the
// receiving half of the Encoder and is used by the remote side.
type callDecoder struct {
	call  *message.Call
	stack []*composite
}

func (d *callDecoder) Begin(name byte, attrs Attrs) error {
	if d.call == nil {
		return d.envelope(name, attrs)
	}
	switch name {
	case TagComposite:
		d.stack = append(d.stack, &composite{isMap: attrs.Get("t") == CompositeMap})
		return nil
	case TagPair:
		if len(d.stack) == 0 {
			return message.Protocolf("pair outside composite")
		}
		top := d.stack[len(d.stack)-1]
		k, keyed, err := ParseKey(attrs)
		if err != nil {
			return err
		}
		switch {
		case !top.isMap:
		case keyed:
			top.key, top.hasKey = k, true
		default:
			top.key, top.hasKey = message.ULong(uint64(len(top.pairs))), true
		}
		return nil
	case TagFlush:
		return nil
	}
	v, ok, err := DecodeLeaf(name, attrs)
	if err != nil {
		return err
	}
	if !ok {
		return message.Protocolf("unexpected tag %q in request", name)
	}
	d.add(v)
	return nil
}

func (d *callDecoder) add(v message.Value) {
	if n := len(d.stack); n > 0 {
		d.stack[n-1].add(v)
		return
	}
	d.call.Args = append(d.call.Args, v)
}

func (d *callDecoder) envelope(name byte, attrs Attrs) error {
	c := &message.Call{Kind: message.CallKind(name)}
	if m := attrs.Get("p"); m != "" {
		c.Mode = message.Mode(m[0])
	}
	var err error
	switch name {
	case TagInvoke, TagProperty:
		c.Target, err = ParseHandle(attrs.Get("v"))
		c.Method = attrs.Get("m")
	case TagCreate, TagReference:
		c.Class = attrs.Get("v")
	case TagResult:
	case TagUnref:
		c.Target, err = ParseHandle(attrs.Get("v"))
	case TagExit:
		var n uint64
		n, err = ParseHex(attrs.Get("v"))
		c.Code = uint32(n)
	default:
		return message.Protocolf("unexpected request tag %q", name)
	}
	if err != nil {
		return err
	}
	d.call = c
	return nil
}

func (d *callDecoder) End(name byte) error {
	if name != TagComposite {
		return nil
	}
	n := len(d.stack)
	if n == 0 {
		return message.Protocolf("unbalanced composite")
	}
	top := d.stack[n-1]
	d.stack = d.stack[:n-1]
	d.add(top.value())
	return nil
}

// DecodeCall reads one request envelope from p.
func DecodeCall(p *Parser) (*message.Call, error) {
	d := &callDecoder{}
	if err := p.Parse(d); err != nil {
		return nil, err
	}
	if d.call == nil {
		return nil, message.Protocolf("empty request")
	}
	return d.call, nil
}
