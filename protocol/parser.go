package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"pjbridge/codec"
	"pjbridge/message"
)

// Source yields raw response bytes. Read returns at most max bytes; an empty
// read without error is treated as a broken connection.
type Source interface {
	Read(max int) ([]byte, error)
}

// Attr is one key/value attribute of a tag.
type Attr struct {
	Key string
	Val string
}

// Attrs are the attributes of one tag in wire order.
type Attrs []Attr

// Get returns the value of key, or "" when absent.
func (a Attrs) Get(key string) string {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Val
		}
	}
	return ""
}

// Has reports whether key is present.
func (a Attrs) Has(key string) bool {
	for _, kv := range a {
		if kv.Key == key {
			return true
		}
	}
	return false
}

// Handler receives tag events. Begin is called for every opening or
// self-closing tag, End for every closing tag. A returned error aborts the
// parse. attrs is reused after Begin returns.
type Handler interface {
	Begin(name byte, attrs Attrs) error
	End(name byte) error
}

type parseState uint8

const (
	stateBegin parseState = iota
	stateKey
	stateVal
	stateEntity
	stateVoid
	stateEnd
)

// Parser tokenizes one response per Parse call. A response is complete when
// the tag depth returns to zero; bytes read past that point stay buffered for
// the next call.
type Parser struct {
	src      Source
	cs       *codec.Charset
	recvSize int

	buf []byte
	pos int

	tok     []byte
	tokFrom int
	entity  int

	name    string
	attrs   Attrs
	key     string
	state   parseState
	level   int
	inQuote bool
}

// NewParser returns a parser reading up to recvSize bytes at a time from src.
func NewParser(src Source, recvSize int, cs *codec.Charset) *Parser {
	if cs == nil {
		cs = codec.UTF8
	}
	if recvSize <= 0 {
		recvSize = 8192
	}
	return &Parser{src: src, cs: cs, recvSize: recvSize}
}

// Depth returns the current tag nesting depth, zero between responses.
func (p *Parser) Depth() int { return p.level }

// Buffered reports whether unparsed bytes are waiting.
func (p *Parser) Buffered() bool { return p.pos < len(p.buf) }

func (p *Parser) resetTag() {
	p.tok = p.tok[:0]
	p.tokFrom = 0
	p.name = ""
	p.key = ""
	p.attrs = p.attrs[:0]
}

func (p *Parser) take() []byte {
	t := p.tok[p.tokFrom:]
	p.tokFrom = len(p.tok)
	return t
}

func (p *Parser) pushName() { p.name = string(p.take()) }

func (p *Parser) pushKey() { p.key = string(p.take()) }

func (p *Parser) pushVal() {
	p.attrs = append(p.attrs, Attr{Key: p.key, Val: p.cs.Decode(p.take())})
	p.key = ""
}

// resolveEntity rewrites the entity starting at p.entity in place.
func (p *Parser) resolveEntity() {
	ref := string(p.tok[p.entity+1:])
	var r rune = -1
	switch ref {
	case "lt":
		r = '<'
	case "gt":
		r = '>'
	case "amp":
		r = '&'
	case "apos":
		r = '\''
	case "quot":
		r = '"'
	default:
		if len(ref) > 1 && ref[0] == '#' {
			var n uint64
			var err error
			if ref[1] == 'x' || ref[1] == 'X' {
				n, err = strconv.ParseUint(ref[2:], 16, 32)
			} else {
				n, err = strconv.ParseUint(ref[1:], 10, 32)
			}
			if err == nil && utf8.ValidRune(rune(n)) {
				r = rune(n)
			}
		}
	}
	if r < 0 {
		p.tok = append(p.tok, ';')
		return
	}
	p.tok = utf8.AppendRune(p.tok[:p.entity], r)
}

func (p *Parser) fill() error {
	data, err := p.src.Read(p.recvSize)
	if err != nil {
		if errors.Is(err, message.ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: read: %v", message.ErrBrokenConnection, err)
	}
	if len(data) == 0 {
		return message.ErrBrokenConnection
	}
	p.buf, p.pos = data, 0
	return nil
}

// Parse consumes exactly one response, calling h for every tag.
func (p *Parser) Parse(h Handler) error {
	for {
		if p.pos >= len(p.buf) {
			if err := p.fill(); err != nil {
				p.abort()
				return err
			}
		}
		ch := p.buf[p.pos]
		p.pos++

		if p.inQuote {
			switch ch {
			case '"':
				p.inQuote = false
				if p.state == stateVal || p.state == stateEntity {
					p.pushVal()
					p.state = stateKey
				}
			case '&':
				p.state = stateEntity
				p.entity = len(p.tok)
				p.tok = append(p.tok, ch)
			case ';':
				if p.state == stateEntity {
					p.resolveEntity()
					p.state = stateVal
				} else {
					p.tok = append(p.tok, ch)
				}
			default:
				p.tok = append(p.tok, ch)
			}
			continue
		}

		switch ch {
		case '<':
			p.level++
			p.state = stateBegin
			p.resetTag()
		case '\t', '\f', '\n', '\r', ' ':
			switch p.state {
			case stateBegin:
				p.pushName()
				p.state = stateKey
			case stateVal:
				// unquoted value, unless still waiting for its quote
				if len(p.tok) > p.tokFrom {
					p.pushVal()
					p.state = stateKey
				}
			}
		case '=':
			p.pushKey()
			p.state = stateVal
		case '"':
			p.inQuote = true
			if p.state == stateVal {
				p.take()
			}
		case '/':
			if p.state == stateVal {
				p.pushVal()
				p.state = stateKey
			}
			if p.state == stateBegin {
				if len(p.tok) == p.tokFrom {
					// closing tag
					p.state = stateEnd
					p.level--
				} else {
					p.pushName()
					p.state = stateKey
				}
			}
			p.level--
			if p.level < 0 {
				p.abort()
				return message.Protocolf("unbalanced closing tag")
			}
		case '>':
			var err error
			switch p.state {
			case stateEnd:
				p.pushName()
				if p.name == "" {
					err = message.Protocolf("empty closing tag")
				} else {
					err = h.End(p.name[0])
				}
			case stateVoid:
				err = message.Protocolf("stray '>'")
			default:
				switch p.state {
				case stateBegin:
					p.pushName()
				case stateVal:
					p.pushVal()
				}
				if p.name == "" {
					err = message.Protocolf("empty tag name")
				} else {
					err = h.Begin(p.name[0], p.attrs)
				}
			}
			p.resetTag()
			p.state = stateVoid
			if err != nil {
				p.abort()
				return err
			}
			if p.level == 0 {
				return nil
			}
		default:
			if p.state != stateVoid {
				p.tok = append(p.tok, ch)
			}
		}
	}
}

// abort drops all parse state after a failure. The stream is unusable past
// this point so the remaining bytes are discarded too.
func (p *Parser) abort() {
	p.resetTag()
	p.buf, p.pos = nil, 0
	p.level = 0
	p.state = stateVoid
	p.inQuote = false
}
