// Package service invokes methods of local Go values by name with loosely
// typed arguments, the way the remote side addresses them.
//
// A receiver's exported methods are scanned once. Any signature is accepted
// as long as its results are (), (T), (error) or (T, error); a leading
// context.Context parameter receives the caller's context. Names are matched
// exactly first, then with the first letter upper-cased, so a remote call to
// "run" reaches Run.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNoSuchMethod = errors.New("no such method")
	ErrBadArgument  = errors.New("bad argument")
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	fn      reflect.Value
	withCtx bool
}

// Service is the callable surface of one receiver.
type Service struct {
	name   string
	rcvr   reflect.Value
	method map[string]*methodType
}

// New scans rcvr's exported methods.
func New(rcvr any) (*Service, error) {
	if rcvr == nil {
		return nil, fmt.Errorf("service: nil receiver")
	}
	val := reflect.ValueOf(rcvr)
	typ := val.Type()
	name := typ.Name()
	if typ.Kind() == reflect.Pointer {
		name = typ.Elem().Name()
	}

	svc := &Service{name: name, rcvr: val, method: make(map[string]*methodType)}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		if mt := newMethodType(val.Method(i)); mt != nil {
			svc.method[m.Name] = mt
		}
	}
	return svc, nil
}

func newMethodType(fn reflect.Value) *methodType {
	ft := fn.Type()
	switch ft.NumOut() {
	case 0, 1:
	case 2:
		if ft.Out(1) != errorType {
			return nil
		}
	default:
		return nil
	}
	return &methodType{fn: fn, withCtx: ft.NumIn() > 0 && ft.In(0) == contextType}
}

// Name returns the receiver's type name.
func (s *Service) Name() string { return s.name }

// Receiver returns the scanned value.
func (s *Service) Receiver() any { return s.rcvr.Interface() }

func (s *Service) lookup(name string) *methodType {
	if m, ok := s.method[name]; ok {
		return m
	}
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return nil
	}
	return s.method[string(unicode.ToUpper(r))+name[size:]]
}

// Has reports whether name resolves to a method.
func (s *Service) Has(name string) bool { return s.lookup(name) != nil }

// Call invokes the method called name.
func (s *Service) Call(ctx context.Context, name string, args []any) (any, error) {
	m := s.lookup(name)
	if m == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, s.name, name)
	}
	return call(ctx, m, args)
}

// Returns reports the static type of the first result of the method called
// name: nil when it returns nothing but an optional error. ok is false when
// there is no such method.
func (s *Service) Returns(name string) (t reflect.Type, ok bool) {
	m := s.lookup(name)
	if m == nil {
		return nil, false
	}
	return m.returns(), true
}

// FuncReturns is Returns for a func value.
func FuncReturns(fn any) reflect.Type {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil
	}
	return (&methodType{fn: v}).returns()
}

func (m *methodType) returns() reflect.Type {
	ft := m.fn.Type()
	if ft.NumOut() == 0 || ft.Out(0) == errorType {
		return nil
	}
	return ft.Out(0)
}

// CallFunc invokes fn, which must be a func value with one of the accepted
// signatures.
func CallFunc(ctx context.Context, fn any, args []any) (any, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T is not a function", ErrNoSuchMethod, fn)
	}
	m := newMethodType(v)
	if m == nil {
		return nil, fmt.Errorf("%w: unsupported signature %s", ErrNoSuchMethod, v.Type())
	}
	return call(ctx, m, args)
}

func call(ctx context.Context, m *methodType, args []any) (any, error) {
	ft := m.fn.Type()
	in := make([]reflect.Value, 0, ft.NumIn())
	first := 0
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}

	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
	}
	params := fixed - first
	if len(args) < params || (!ft.IsVariadic() && len(args) > params) {
		return nil, fmt.Errorf("%w: want %d arguments, got %d", ErrBadArgument, params, len(args))
	}
	for i := 0; i < params; i++ {
		v, err := convert(args[i], ft.In(first+i))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	if ft.IsVariadic() {
		et := ft.In(fixed).Elem()
		for i := params; i < len(args); i++ {
			v, err := convert(args[i], et)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}

	out := m.fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0) == errorType {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	}
	return out[0].Interface(), asError(out[1])
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

func convert(a any, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if isNumber(v.Kind()) && isNumber(t.Kind()) {
		return v.Convert(t), nil
	}
	if v.Kind() == reflect.String && t.Kind() == reflect.String {
		return v.Convert(t), nil
	}
	if v.Kind() == reflect.Slice && t.Kind() == reflect.Slice {
		out := reflect.MakeSlice(t, v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			e, err := convert(v.Index(i).Interface(), t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(e)
		}
		return out, nil
	}
	return reflect.Value{}, fmt.Errorf("%w: cannot use %T as %s", ErrBadArgument, a, t)
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
