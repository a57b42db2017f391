package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"pjbridge/service"
)

// values marks a result that goes over the wire as plain values even when
// the client prefers references.
type values struct{ x any }

type builtin func(ctx context.Context, c *conn, args []any) (any, error)

// builtins are the free functions of the runtime, called through handle 0.
var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"makeClosure":   makeClosure,
		"castToString":  unary(func(x any) (any, error) { return stringOf(x), nil }),
		"castToBoolean": unary(func(x any) (any, error) { return truthy(unbox(x)), nil }),
		"castToExact":   unary(castToExact),
		"castToInExact": unary(castToInExact),
		"castToArray":   unary(func(x any) (any, error) { return values{unbox(x)}, nil }),
		"getValues":     unary(func(x any) (any, error) { return values{unbox(x)}, nil }),
		"getIterator":   unary(getIterator),
		"inspect":       unary(inspect),
		"instanceOf":    instanceOf,
		"offsetGet":     offsetGet,
		"offsetSet":     offsetSet,
		"offsetExists":  offsetExists,
		"offsetUnset":   offsetUnset,
	}
}

func unary(fn func(x any) (any, error)) builtin {
	return func(_ context.Context, _ *conn, args []any) (any, error) {
		if len(args) != 1 {
			return nil, &Exception{Class: "java.lang.IllegalArgumentException", Message: fmt.Sprintf("want 1 argument, got %d", len(args))}
		}
		return fn(args[0])
	}
}

func argError(fn string, want int, args []any) error {
	if len(args) == want {
		return nil
	}
	return &Exception{Class: "java.lang.IllegalArgumentException", Message: fmt.Sprintf("%s: want %d arguments, got %d", fn, want, len(args))}
}

func unbox(x any) any {
	if b, ok := x.(*Boxed); ok {
		return b.V
	}
	return x
}

func makeClosure(_ context.Context, c *conn, args []any) (any, error) {
	if err := argError("makeClosure", 1, args); err != nil {
		return nil, err
	}
	var ref uint64
	switch v := args[0].(type) {
	case int64:
		ref = uint64(v)
	case uint64:
		ref = v
	default:
		return nil, &Exception{Class: "java.lang.IllegalArgumentException", Message: fmt.Sprintf("closure reference %T", args[0])}
	}
	return &Closure{c: c, ref: ref}, nil
}

func truthy(x any) bool {
	if x == nil {
		return false
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		s := rv.String()
		return s != "" && s != "0" && !strings.EqualFold(s, "false")
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map:
		return rv.Len() != 0
	}
	return true
}

func castToExact(x any) (any, error) {
	x = unbox(x)
	if s, ok := x.(fmt.Stringer); ok {
		x = s.String()
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	case reflect.Bool:
		if rv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	case reflect.String:
		n, err := strconv.ParseInt(strings.TrimSpace(rv.String()), 10, 64)
		if err != nil {
			return nil, &Exception{Class: "java.lang.NumberFormatException", Message: fmt.Sprintf("For input string: %q", rv.String())}
		}
		return n, nil
	}
	return nil, &Exception{Class: "java.lang.ClassCastException", Message: className(x) + " cannot be cast to a number"}
}

func castToInExact(x any) (any, error) {
	x = unbox(x)
	if s, ok := x.(fmt.Stringer); ok {
		x = s.String()
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
		if err != nil {
			return nil, &Exception{Class: "java.lang.NumberFormatException", Message: fmt.Sprintf("For input string: %q", rv.String())}
		}
		return f, nil
	}
	n, err := castToExact(x)
	if err != nil {
		return nil, err
	}
	return float64(n.(int64)), nil
}

// Iterator walks an Iterable, slice or map snapshot in key order.
type Iterator struct {
	keys []any
	vals []any
	pos  int
}

func (it *Iterator) ClassName() string { return "java.util.Iterator" }

func (it *Iterator) HasMore() bool { return it.pos < len(it.keys) }

func (it *Iterator) CurrentKey() any {
	if it.pos < len(it.keys) {
		return it.keys[it.pos]
	}
	return nil
}

func (it *Iterator) CurrentData() any {
	if it.pos < len(it.vals) {
		return it.vals[it.pos]
	}
	return nil
}

func (it *Iterator) MoveForward() bool {
	it.pos++
	return it.HasMore()
}

func getIterator(x any) (any, error) {
	if it, ok := x.(Iterable); ok {
		keys, vals := it.Entries()
		return &Iterator{keys: keys, vals: vals}, nil
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		it := &Iterator{}
		for i := 0; i < rv.Len(); i++ {
			it.keys = append(it.keys, int64(i))
			it.vals = append(it.vals, rv.Index(i).Interface())
		}
		return it, nil
	case reflect.Map:
		it := &Iterator{}
		for _, k := range sortedKeys(rv) {
			it.keys = append(it.keys, k.Interface())
			it.vals = append(it.vals, rv.MapIndex(k).Interface())
		}
		return it, nil
	}
	return nil, &Exception{Class: "java.lang.ClassCastException", Message: className(x) + " is not iterable"}
}

func inspect(x any) (any, error) {
	t := reflect.TypeOf(x)
	var b strings.Builder
	fmt.Fprintf(&b, "[[o:%s]]", className(x))
	if t == nil {
		return b.String(), nil
	}
	b.WriteString("\nMethods:")
	for i := 0; i < t.NumMethod(); i++ {
		b.WriteString("\n\t" + t.Method(i).Name)
	}
	st := t
	for st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() == reflect.Struct {
		b.WriteString("\nFields:")
		for i := 0; i < st.NumField(); i++ {
			if f := st.Field(i); f.IsExported() {
				b.WriteString("\n\t" + f.Name)
			}
		}
	}
	return b.String(), nil
}

func instanceOf(_ context.Context, _ *conn, args []any) (any, error) {
	if err := argError("instanceOf", 2, args); err != nil {
		return nil, err
	}
	ref, ok := args[1].(*classRef)
	if !ok {
		return nil, &Exception{Class: "java.lang.IllegalArgumentException", Message: "instanceOf needs a class"}
	}
	if args[0] == nil {
		return false, nil
	}
	if className(args[0]) == ref.cls.Name {
		return true, nil
	}
	if typ := service.FuncReturns(ref.cls.New); typ != nil {
		xt := reflect.TypeOf(args[0])
		if typ.Kind() == reflect.Interface {
			return xt.Implements(typ), nil
		}
		return xt == typ, nil
	}
	return false, nil
}

func offsetGet(_ context.Context, _ *conn, args []any) (any, error) {
	if err := argError("offsetGet", 2, args); err != nil {
		return nil, err
	}
	if ix, ok := args[0].(Indexable); ok {
		return ix.OffsetGet(args[1])
	}
	rv, key, err := container(args[0], args[1])
	if err != nil {
		return nil, err
	}
	if rv.Kind() == reflect.Map {
		v := rv.MapIndex(key)
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	}
	return rv.Index(int(key.Int())).Interface(), nil
}

func offsetSet(_ context.Context, _ *conn, args []any) (any, error) {
	if err := argError("offsetSet", 3, args); err != nil {
		return nil, err
	}
	if ix, ok := args[0].(Indexable); ok {
		return nil, ix.OffsetSet(args[1], args[2])
	}
	rv, key, err := container(args[0], args[1])
	if err != nil {
		return nil, err
	}
	val, err := assignable(args[2], rv.Type().Elem())
	if err != nil {
		return nil, err
	}
	if rv.Kind() == reflect.Map {
		rv.SetMapIndex(key, val)
		return nil, nil
	}
	target := rv.Index(int(key.Int()))
	if !target.CanSet() {
		return nil, &Exception{Class: "java.lang.UnsupportedOperationException", Message: "read-only array"}
	}
	target.Set(val)
	return nil, nil
}

func offsetExists(_ context.Context, _ *conn, args []any) (any, error) {
	if err := argError("offsetExists", 2, args); err != nil {
		return nil, err
	}
	if ix, ok := args[0].(Indexable); ok {
		return ix.OffsetExists(args[1]), nil
	}
	rv, key, err := container(args[0], args[1])
	if err != nil {
		var ex *Exception
		if errors.As(err, &ex) && ex.Class == "java.lang.ArrayIndexOutOfBoundsException" {
			return false, nil
		}
		return nil, err
	}
	if rv.Kind() == reflect.Map {
		return rv.MapIndex(key).IsValid(), nil
	}
	return true, nil
}

func offsetUnset(_ context.Context, _ *conn, args []any) (any, error) {
	if err := argError("offsetUnset", 2, args); err != nil {
		return nil, err
	}
	if ix, ok := args[0].(Indexable); ok {
		return nil, ix.OffsetUnset(args[1])
	}
	rv, key, err := container(args[0], args[1])
	if err != nil {
		return nil, err
	}
	if rv.Kind() != reflect.Map {
		return nil, &Exception{Class: "java.lang.UnsupportedOperationException", Message: "cannot remove from an array"}
	}
	rv.SetMapIndex(key, reflect.Value{})
	return nil, nil
}

// container resolves x to an indexable slice, array pointer or map and
// converts key for it.
func container(x, key any) (reflect.Value, reflect.Value, error) {
	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Array {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		k, err := assignable(key, rv.Type().Key())
		return rv, k, err
	case reflect.Slice, reflect.Array:
		k, err := assignable(key, reflect.TypeOf(int64(0)))
		if err != nil {
			return rv, k, err
		}
		if i := k.Int(); i < 0 || i >= int64(rv.Len()) {
			return rv, k, &Exception{Class: "java.lang.ArrayIndexOutOfBoundsException", Message: fmt.Sprintf("index %d, length %d", i, rv.Len())}
		}
		return rv, k, nil
	}
	return rv, reflect.Value{}, &Exception{Class: "java.lang.ClassCastException", Message: className(x) + " is not indexable"}
}

func assignable(x any, t reflect.Type) (reflect.Value, error) {
	if x == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(x)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if v.Type().ConvertibleTo(t) && v.Kind() != reflect.String {
		return v.Convert(t), nil
	}
	if v.Kind() == reflect.String && t.Kind() == reflect.String {
		return v.Convert(t), nil
	}
	return reflect.Value{}, &Exception{Class: "java.lang.IllegalArgumentException", Message: fmt.Sprintf("cannot use %T as %s", x, t)}
}
