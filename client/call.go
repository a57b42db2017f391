package client

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"pjbridge/cache"
	"pjbridge/codec"
	"pjbridge/message"
)

func (s *Session) marshalArgs(args []any) ([]message.Value, []string, error) {
	vals := make([]message.Value, len(args))
	tags := make([]string, len(args))
	for i, a := range args {
		v, tag, err := s.marshal.Marshal(a)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		vals[i], tags[i] = v, tag
	}
	return vals, tags, nil
}

// target resolves the handle and signature of the object a call addresses.
// A nil proxy addresses the free functions of the remote runtime.
func (s *Session) target(p *Proxy) (message.Handle, string, error) {
	if p == nil {
		return message.NoHandle, "", nil
	}
	if p.s != s {
		return 0, "", message.Usagef("proxy #%s belongs to another session", p.h.Hex())
	}
	if p.Released() {
		return 0, "", message.ErrReleased
	}
	return p.h, p.sig, nil
}

// stamp sends a cached call. The request is held back until the next one
// is encoded, and the result handle is predicted instead of read.
func (s *Session) stamp(e *cache.Entry, h message.Handle, vals []message.Value) (any, error) {
	req, err := e.Template.Stamp(s.cs, h, vals)
	if err != nil {
		// nothing was written yet, the connection is still in sync
		return nil, message.Usagef("%v", err)
	}
	if err := s.enc.Prepare(req); err != nil {
		return nil, s.fail(err)
	}
	s.stats.cached.Add(1)
	s.cancelTag++
	if e.Void {
		return nil, nil
	}
	s.asyncCtx++
	return s.newProxy(s.asyncCtx, e.Signature, e.Object, s.cancelTag), nil
}

// exchange runs a full call whose envelope is already encoded and converts
// the result. The recorded template is remembered under key so the result
// shape can be stored once it is known.
func (s *Session) exchange(ctx context.Context, key string) (any, error) {
	s.current = callShape{}
	if key != codec.Uncacheable && key != "" {
		s.current = callShape{key: key, tpl: s.enc.Template()}
	}
	v, err := s.roundTrip(ctx)
	s.current = callShape{}
	if err != nil {
		return nil, err
	}
	return s.result(v)
}

// Invoke calls method on target. A nil target calls a free function of the
// remote runtime. Objects come back as *Proxy, composites as []any and
// map[any]any, remote failures as *message.Fault errors.
func (s *Session) Invoke(ctx context.Context, target *Proxy, method string, args ...any) (any, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	h, sig, err := s.target(target)
	if err != nil {
		return nil, err
	}
	vals, tags, err := s.marshalArgs(args)
	if err != nil {
		return nil, err
	}

	key := codec.Uncacheable
	if sig != "" {
		key = codec.InvokeKey(sig, method, tags)
		if e, ok := s.caches.Lookup(key); ok {
			return s.stamp(e, h, vals)
		}
	}

	if err := s.enc.InvokeBegin(h, method); err != nil {
		return nil, s.fail(err)
	}
	for _, v := range vals {
		if err := s.enc.WriteValue(v); err != nil {
			return nil, s.fail(err)
		}
	}
	if err := s.enc.InvokeEnd(); err != nil {
		return nil, s.fail(err)
	}
	return s.exchange(ctx, key)
}

// CreateObject constructs an instance of class in the remote runtime.
func (s *Session) CreateObject(ctx context.Context, class string, args ...any) (*Proxy, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	vals, tags, err := s.marshalArgs(args)
	if err != nil {
		return nil, err
	}

	key := codec.CreateKey(class, tags)
	if e, ok := s.caches.Lookup(key); ok {
		res, err := s.stamp(e, message.NoHandle, vals)
		if err != nil {
			return nil, err
		}
		return asProxy(res, class)
	}

	if err := s.enc.CreateObjectBegin(class); err != nil {
		return nil, s.fail(err)
	}
	for _, v := range vals {
		if err := s.enc.WriteValue(v); err != nil {
			return nil, s.fail(err)
		}
	}
	if err := s.enc.CreateObjectEnd(); err != nil {
		return nil, s.fail(err)
	}
	res, err := s.exchange(ctx, key)
	if err != nil {
		return nil, err
	}
	return asProxy(res, class)
}

// ReferenceClass resolves class without constructing it. The proxy calls
// static methods. args travel with the reference for runtimes that use them.
func (s *Session) ReferenceClass(ctx context.Context, class string, args ...any) (*Proxy, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	vals, _, err := s.marshalArgs(args)
	if err != nil {
		return nil, err
	}
	if err := s.enc.ReferenceBegin(class); err != nil {
		return nil, s.fail(err)
	}
	for _, v := range vals {
		if err := s.enc.WriteValue(v); err != nil {
			return nil, s.fail(err)
		}
	}
	if err := s.enc.ReferenceEnd(); err != nil {
		return nil, s.fail(err)
	}
	res, err := s.exchange(ctx, "")
	if err != nil {
		return nil, err
	}
	return asProxy(res, class)
}

func asProxy(res any, class string) (*Proxy, error) {
	switch p := res.(type) {
	case *Proxy:
		return p, nil
	case nil:
		return nil, message.Protocolf("%s: no object returned", class)
	}
	return nil, message.Usagef("%s: expected an object, got %T", class, res)
}

// GetProperty reads the field name of target.
func (s *Session) GetProperty(ctx context.Context, target *Proxy, name string) (any, error) {
	return s.property(ctx, target, name, nil)
}

// SetProperty writes val to the field name of target.
func (s *Session) SetProperty(ctx context.Context, target *Proxy, name string, val any) error {
	_, err := s.property(ctx, target, name, []any{val})
	return err
}

func (s *Session) property(ctx context.Context, target *Proxy, name string, args []any) (any, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	h, _, err := s.target(target)
	if err != nil {
		return nil, err
	}
	vals, _, err := s.marshalArgs(args)
	if err != nil {
		return nil, err
	}
	if err := s.enc.PropertyAccessBegin(h, name); err != nil {
		return nil, s.fail(err)
	}
	for _, v := range vals {
		if err := s.enc.WriteValue(v); err != nil {
			return nil, s.fail(err)
		}
	}
	if err := s.enc.PropertyAccessEnd(); err != nil {
		return nil, s.fail(err)
	}
	return s.exchange(ctx, "")
}

// Release gives up p. The remote object is released once no proxy of its
// handle is left.
func (s *Session) Release(p *Proxy) error {
	if p == nil {
		return nil
	}
	if p.s != s {
		return message.Usagef("proxy #%s belongs to another session", p.h.Hex())
	}
	if !p.release() {
		return message.ErrReleased
	}
	return nil
}

// result converts a terminal value for the caller.
func (s *Session) result(v message.Value) (any, error) {
	if v.Kind == message.KindFault {
		return nil, s.fault(v)
	}
	return codec.Unmarshal(v, s.wrap), nil
}

func (s *Session) wrap(v message.Value) any {
	if v.Kind == message.KindFault {
		return s.fault(v)
	}
	return s.newProxy(v.Handle, v.Signature, v.Object, 0)
}

// fault builds the error for an E value. The remote exception object stays
// alive as long as the fault is reachable, so LoadStackTrace can use it.
func (s *Session) fault(v message.Value) *message.Fault {
	f := message.NewFault(v.Handle, v.Str)
	if v.Handle != message.NoHandle {
		s.handles.retain(v.Handle)
		runtime.AddCleanup(f, s.fin.push, finalized{h: v.Handle})
	}
	return f
}

// Closure registers target locally and returns the remote object standing
// for it. Calls on that object come back as reverse calls into target, which
// is either a func or a value whose exported methods are called by name.
func (s *Session) Closure(ctx context.Context, target any) (*Proxy, error) {
	if target == nil {
		return nil, message.Usagef("nil closure target")
	}
	ref := s.refs.Add(target)
	res, err := s.Invoke(ctx, nil, "makeClosure", message.ULong(ref))
	if err != nil {
		return nil, err
	}
	return asProxy(res, "closure")
}

// RegisterFunction makes fn callable by the remote runtime as a free
// function called name.
func (s *Session) RegisterFunction(name string, fn any) error {
	if name == "" {
		return message.Usagef("empty function name")
	}
	if reflect.ValueOf(fn).Kind() != reflect.Func {
		return message.Usagef("%s: %T is not a function", name, fn)
	}
	s.funcs[name] = fn
	return nil
}

// Cast converts p on the remote side. Only the first letter of kind counts:
// S string, B boolean, L or I integer, D or F floating point, A array,
// N null and O the object itself.
func (s *Session) Cast(ctx context.Context, p *Proxy, kind string) (any, error) {
	if kind == "" {
		return nil, message.Usagef("empty cast kind")
	}
	switch strings.ToUpper(kind[:1]) {
	case "S":
		return s.Invoke(ctx, nil, "castToString", p)
	case "B":
		return s.Invoke(ctx, nil, "castToBoolean", p)
	case "L", "I":
		return s.Invoke(ctx, nil, "castToExact", p)
	case "D", "F":
		return s.Invoke(ctx, nil, "castToInExact", p)
	case "A":
		return s.Invoke(ctx, nil, "castToArray", p)
	case "N":
		return nil, nil
	case "O":
		return p, nil
	}
	return nil, message.Usagef("unknown cast kind %q", kind)
}

// Inspect returns the remote description of p's class and members.
func (s *Session) Inspect(ctx context.Context, p *Proxy) (string, error) {
	res, err := s.Invoke(ctx, nil, "inspect", p)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(res), nil
}

// Values converts p into plain values, recursively where the remote side can.
func (s *Session) Values(ctx context.Context, p *Proxy) (any, error) {
	return s.Invoke(ctx, nil, "getValues", p)
}

// InstanceOf reports whether p is an instance of class, given either as a
// class name or as a class proxy.
func (s *Session) InstanceOf(ctx context.Context, p *Proxy, class any) (bool, error) {
	if name, ok := class.(string); ok {
		cls, err := s.ReferenceClass(ctx, name)
		if err != nil {
			return false, err
		}
		defer cls.Release()
		class = cls
	}
	res, err := s.Invoke(ctx, nil, "instanceOf", p, class)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, message.Protocolf("instanceOf returned %T", res)
	}
	return b, nil
}

// LoadStackTrace fills f.StackTrace with the text of the remote cause.
func (s *Session) LoadStackTrace(ctx context.Context, f *message.Fault) error {
	if f == nil || f.Handle == message.NoHandle {
		return nil
	}
	ex := s.newProxy(f.Handle, "", message.ObjectException, 0)
	defer ex.Release()

	cause, err := s.Invoke(ctx, ex, "getCause")
	if err != nil {
		return err
	}
	target := ex
	if c, ok := cause.(*Proxy); ok && c != nil {
		defer c.Release()
		target = c
	}
	text, err := s.Invoke(ctx, target, "toString")
	if err != nil {
		return err
	}
	f.StackTrace = fmt.Sprint(text)
	return nil
}
