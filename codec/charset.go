package codec

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Charset transcodes string payloads between Go's UTF-8 and the text
// encoding negotiated with the remote side.
type Charset struct {
	name string
	enc  encoding.Encoding // nil for UTF-8
}

// UTF8 is the default charset; it performs no transcoding.
var UTF8 = &Charset{name: "utf-8"}

// LookupCharset resolves a WHATWG encoding label such as "UTF-8" or "ISO-8859-1".
func LookupCharset(label string) (*Charset, error) {
	if label == "" {
		return UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("codec: unknown charset %q: %w", label, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}
	if name == "utf-8" {
		return UTF8, nil
	}
	return &Charset{name: name, enc: enc}, nil
}

// Name returns the canonical charset name.
func (c *Charset) Name() string { return c.name }

// Encode converts a UTF-8 string to the wire charset. Characters the charset
// cannot represent are replaced.
func (c *Charset) Encode(s string) string {
	if c == nil || c.enc == nil {
		return s
	}
	out, err := encoding.ReplaceUnsupported(c.enc.NewEncoder()).String(s)
	if err != nil {
		return s
	}
	return out
}

// Decode converts wire bytes to a UTF-8 string.
func (c *Charset) Decode(b []byte) string {
	if c == nil || c.enc == nil {
		return string(b)
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}
