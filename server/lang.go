package server

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// registerLang installs the java.lang and java.util classes scripts expect
// from any bridge runtime.
func registerLang(svr *Server) {
	for _, c := range []Class{
		{Name: "java.lang.String", New: NewString},
		{Name: "java.lang.StringBuilder", New: func(init ...string) *StringBuilder {
			sb := &StringBuilder{}
			for _, s := range init {
				sb.b.WriteString(s)
			}
			return sb
		}},
		{Name: "java.lang.Integer", New: func(v int64) *Boxed { return &Boxed{V: v} }, Static: map[string]any{
			"parseInt": parseInt,
			"valueOf":  parseInt,
		}},
		{Name: "java.lang.Long", New: func(v int64) *Boxed { return &Boxed{V: v} }, Static: map[string]any{
			"parseLong": parseInt,
		}},
		{Name: "java.lang.Exception", New: func(msg ...string) *Exception {
			return &Exception{Class: "java.lang.Exception", Message: strings.Join(msg, " ")}
		}},
		{Name: "java.lang.System", Static: map[string]any{
			"getProperty": func(name string) any {
				switch name {
				case "java.version":
					return "1.8"
				case "line.separator":
					return "\n"
				}
				return nil
			},
		}},
		{Name: "java.util.HashMap", New: NewHashMap},
		{Name: "java.util.ArrayList", New: func() *ArrayList { return &ArrayList{} }},
	} {
		// names and constructors above are all valid
		_ = svr.RegisterClass(c)
	}
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, &Exception{Class: "java.lang.NumberFormatException", Message: fmt.Sprintf("For input string: %q", s)}
	}
	return n, nil
}

// Boxed is a scalar sent as an object because the client asked for
// references.
type Boxed struct {
	V any
}

func (b *Boxed) ClassName() string {
	switch reflect.ValueOf(b.V).Kind() {
	case reflect.String:
		return "java.lang.String"
	case reflect.Bool:
		return "java.lang.Boolean"
	case reflect.Float32, reflect.Float64:
		return "java.lang.Double"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return "java.lang.Integer"
	}
	return "java.lang.Long"
}

func (b *Boxed) ToString() string { return stringOf(b.V) }

func (b *Boxed) IntValue() (int64, error) {
	n, err := castToExact(b.V)
	if err != nil {
		return 0, err
	}
	return n.(int64), nil
}

func (b *Boxed) LongValue() (int64, error) { return b.IntValue() }

func (b *Boxed) DoubleValue() (float64, error) {
	f, err := castToInExact(b.V)
	if err != nil {
		return 0, err
	}
	return f.(float64), nil
}

func (b *Boxed) BooleanValue() bool { return truthy(b.V) }

func (b *Boxed) Length() int64 { return int64(utf8.RuneCountInString(stringOf(b.V))) }

// StringObject is a java.lang.String created explicitly.
type StringObject struct {
	s string
}

func NewString(s ...string) *StringObject {
	return &StringObject{s: strings.Join(s, "")}
}

func (s *StringObject) ClassName() string      { return "java.lang.String" }
func (s *StringObject) String() string         { return s.s }
func (s *StringObject) ToString() string       { return s.s }
func (s *StringObject) Length() int64          { return int64(utf8.RuneCountInString(s.s)) }
func (s *StringObject) IsEmpty() bool          { return s.s == "" }
func (s *StringObject) ToUpperCase() string    { return strings.ToUpper(s.s) }
func (s *StringObject) Concat(t string) string { return s.s + t }

func (s *StringObject) CharAt(i int) (string, error) {
	r := []rune(s.s)
	if i < 0 || i >= len(r) {
		return "", &Exception{Class: "java.lang.StringIndexOutOfBoundsException", Message: "String index out of range: " + strconv.Itoa(i)}
	}
	return string(r[i]), nil
}

// StringBuilder is java.lang.StringBuilder.
type StringBuilder struct {
	b strings.Builder
}

func (sb *StringBuilder) ClassName() string { return "java.lang.StringBuilder" }

func (sb *StringBuilder) Append(x any) *StringBuilder {
	sb.b.WriteString(stringOf(x))
	return sb
}

func (sb *StringBuilder) Length() int64 { return int64(utf8.RuneCountInString(sb.b.String())) }

func (sb *StringBuilder) ToString() string { return sb.b.String() }
func (sb *StringBuilder) String() string   { return sb.b.String() }

func (sb *StringBuilder) Reverse() *StringBuilder {
	r := []rune(sb.b.String())
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	sb.b.Reset()
	sb.b.WriteString(string(r))
	return sb
}

// HashMap is java.util.HashMap. Iteration follows insertion order.
type HashMap struct {
	m    map[any]any
	keys []any
}

func NewHashMap() *HashMap { return &HashMap{m: make(map[any]any)} }

func (h *HashMap) ClassName() string { return "java.util.HashMap" }

func (h *HashMap) Put(k, v any) any {
	k = mapKey(k)
	old, ok := h.m[k]
	if !ok {
		h.keys = append(h.keys, k)
	}
	h.m[k] = v
	return old
}

func (h *HashMap) Get(k any) any { return h.m[mapKey(k)] }

func (h *HashMap) ContainsKey(k any) bool {
	_, ok := h.m[mapKey(k)]
	return ok
}

func (h *HashMap) Remove(k any) any {
	k = mapKey(k)
	old, ok := h.m[k]
	if !ok {
		return nil
	}
	delete(h.m, k)
	for i, kk := range h.keys {
		if kk == k {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
	return old
}

func (h *HashMap) Size() int64 { return int64(len(h.keys)) }

func (h *HashMap) Entries() (keys []any, vals []any) {
	keys = append(keys, h.keys...)
	for _, k := range h.keys {
		vals = append(vals, h.m[k])
	}
	return keys, vals
}

func (h *HashMap) OffsetGet(k any) (any, error) { return h.Get(k), nil }
func (h *HashMap) OffsetExists(k any) bool      { return h.ContainsKey(k) }

func (h *HashMap) OffsetSet(k, v any) error {
	h.Put(k, v)
	return nil
}

func (h *HashMap) OffsetUnset(k any) error {
	h.Remove(k)
	return nil
}

// mapKey folds the integer types the wire produces so 1 and int64(1) name
// the same entry.
func mapKey(k any) any {
	rv := reflect.ValueOf(k)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	}
	return k
}

// ArrayList is java.util.ArrayList.
type ArrayList struct {
	items []any
}

func (l *ArrayList) ClassName() string { return "java.util.ArrayList" }

func (l *ArrayList) Add(x any) bool {
	l.items = append(l.items, x)
	return true
}

func (l *ArrayList) Get(i int) (any, error) {
	if i < 0 || i >= len(l.items) {
		return nil, &Exception{Class: "java.lang.IndexOutOfBoundsException", Message: fmt.Sprintf("Index: %d, Size: %d", i, len(l.items))}
	}
	return l.items[i], nil
}

func (l *ArrayList) Size() int64 { return int64(len(l.items)) }

func (l *ArrayList) Entries() (keys []any, vals []any) {
	for i, x := range l.items {
		keys = append(keys, int64(i))
		vals = append(vals, x)
	}
	return keys, vals
}

func (l *ArrayList) OffsetGet(k any) (any, error) {
	i, err := castToExact(k)
	if err != nil {
		return nil, err
	}
	return l.Get(int(i.(int64)))
}

func (l *ArrayList) OffsetSet(k, v any) error {
	if k == nil {
		l.Add(v)
		return nil
	}
	i, err := castToExact(k)
	if err != nil {
		return err
	}
	n := int(i.(int64))
	if n < 0 || n > len(l.items) {
		return &Exception{Class: "java.lang.IndexOutOfBoundsException", Message: fmt.Sprintf("Index: %d, Size: %d", n, len(l.items))}
	}
	if n == len(l.items) {
		l.Add(v)
		return nil
	}
	l.items[n] = v
	return nil
}

func (l *ArrayList) OffsetExists(k any) bool {
	i, err := castToExact(k)
	if err != nil {
		return false
	}
	n := i.(int64)
	return n >= 0 && n < int64(len(l.items))
}

func (l *ArrayList) OffsetUnset(k any) error {
	i, err := castToExact(k)
	if err != nil {
		return err
	}
	n := int(i.(int64))
	if n < 0 || n >= len(l.items) {
		return &Exception{Class: "java.lang.IndexOutOfBoundsException", Message: fmt.Sprintf("Index: %d, Size: %d", n, len(l.items))}
	}
	l.items = append(l.items[:n], l.items[n+1:]...)
	return nil
}
