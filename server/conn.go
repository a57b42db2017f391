package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"pjbridge/codec"
	"pjbridge/message"
	"pjbridge/middleware"
	"pjbridge/protocol"
	"pjbridge/transport"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

type connKey struct{}

func connFrom(ctx context.Context) *conn {
	c, _ := ctx.Value(connKey{}).(*conn)
	return c
}

// conn is the state of one client connection: its object table and the
// handle counter.
type conn struct {
	svr    *Server
	ch     transport.Channel
	enc    *protocol.Encoder
	parser *protocol.Parser
	log    *zap.Logger

	objects map[message.Handle]any
	last    message.Handle

	preferValues bool
	logLevel     int
	exited       bool
}

func newConn(svr *Server, ch transport.Channel) *conn {
	c := &conn{
		svr:      svr,
		ch:       ch,
		enc:      protocol.NewEncoder(ch, 0, codec.UTF8),
		log:      svr.log,
		objects:  make(map[message.Handle]any),
		logLevel: -1,
	}
	c.parser = protocol.NewParser(&handshakeSource{c: c, src: ch}, 8192, codec.UTF8)
	return c
}

// handshakeSource strips the compatibility byte the client sends before its
// first request.
type handshakeSource struct {
	c    *conn
	src  protocol.Source
	done bool
}

func (h *handshakeSource) Read(max int) ([]byte, error) {
	for {
		b, err := h.src.Read(max)
		if err != nil || h.done || len(b) == 0 {
			return b, err
		}
		h.done = true
		h.c.handshake(b[0])
		if len(b) > 1 {
			return b[1:], nil
		}
	}
}

func (c *conn) handshake(b byte) {
	c.preferValues = b&1 != 0
	if b&0x80 != 0 {
		c.logLevel = int(b>>2) & 7
	}
	c.log.Debug("handshake", zap.Bool("prefer_values", c.preferValues), zap.Int("log_level", c.logLevel))
}

func (c *conn) serve(ctx context.Context) error {
	ctx = context.WithValue(ctx, connKey{}, c)
	for !c.exited {
		call, err := protocol.DecodeCall(c.parser)
		if err != nil {
			return err
		}
		switch call.Kind {
		case message.CallExit:
			c.log.Debug("client exit", zap.Uint32("code", call.Code))
			return nil
		case message.CallResult:
			return message.Protocolf("result without a pending reverse call")
		}
		if err := c.dispatch(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

// dispatch executes one forward request. Only write failures are returned;
// failures of the call itself are answered with an E tag.
func (c *conn) dispatch(ctx context.Context, call *message.Call) error {
	switch call.Kind {
	case message.CallUnref:
		delete(c.objects, call.Target)
		return nil
	case message.CallReference:
		cls, ok := c.svr.class(call.Class)
		if !ok {
			return c.reply(call, nil, nil, classNotFound(call.Class), "[[c:"+call.Class+"]]")
		}
		return c.reply(call, &classRef{cls: cls}, reflect.TypeOf(&classRef{}), nil, "")
	case message.CallCreate:
		cls, ok := c.svr.class(call.Class)
		if !ok {
			return c.reply(call, nil, nil, classNotFound(call.Class), "[[c:"+call.Class+"]]")
		}
		args, err := c.args(call.Args)
		if err != nil {
			return c.reply(call, nil, nil, err, cls.Name)
		}
		ref := &classRef{cls: cls}
		res, err := c.svr.handler(ctx, &middleware.Request{Target: ref, Method: "newInstance", Args: args})
		if errors.Is(err, middleware.ErrTimeout) {
			return c.abandon("new "+cls.Name, err)
		}
		return c.reply(call, res, ref.returns("newInstance"), err, "new "+cls.Name)
	case message.CallProperty:
		res, typ, err := c.property(call)
		return c.reply(call, res, typ, err, c.describe(call.Target)+"->"+call.Method)
	case message.CallInvoke:
		var target any
		if call.Target != message.NoHandle {
			t, ok := c.objects[call.Target]
			if !ok {
				err := &Exception{Class: "java.lang.IllegalStateException", Message: "no object #" + call.Target.Hex()}
				return c.reply(call, nil, nil, err, call.Method)
			}
			target = t
		}
		args, err := c.args(call.Args)
		if err != nil {
			return c.reply(call, nil, nil, err, call.Method)
		}
		req := &middleware.Request{Handle: uint64(call.Target), Target: target, Method: call.Method, Args: args}
		res, err := c.svr.handler(ctx, req)
		if errors.Is(err, middleware.ErrTimeout) {
			return c.abandon(c.describe(call.Target)+"->"+call.Method, err)
		}
		return c.reply(call, res, c.svr.returns(target, call.Method), err, c.describe(call.Target)+"->"+call.Method)
	}
	return message.Protocolf("unexpected request %q", call.Kind)
}

// abandon ends the connection after a timed out invocation. The handler is
// still running and may write to the channel, so no reply is sent.
func (c *conn) abandon(where string, err error) error {
	c.log.Warn("invocation timed out, closing connection", zap.String("call", where), zap.Duration("timeout", c.svr.InvokeTimeout))
	return fmt.Errorf("%s: %w", where, err)
}

func (c *conn) describe(h message.Handle) string {
	if h == message.NoHandle {
		return "[[f]]"
	}
	return "[[o:" + className(c.objects[h]) + "]]"
}

// reply answers call according to its mode. A cached call stores its result
// under the next handle without answering, a void call drops it.
func (c *conn) reply(call *message.Call, res any, static reflect.Type, err error, where string) error {
	switch call.Mode {
	case message.ModeVoid:
		if err != nil {
			c.log.Debug("void call failed", zap.String("call", where), zap.Error(err))
		}
		return nil
	case message.ModeCached:
		if err != nil {
			c.log.Debug("cached call failed", zap.String("call", where), zap.Error(err))
			c.alloc(err)
			return nil
		}
		c.alloc(c.box(res))
		return nil
	}

	if err != nil {
		h := c.alloc(err)
		msg := fmt.Sprintf("Invoke failed: %s. Cause: %s: %s", where, errClass(err), errMessage(err))
		if werr := c.writeValue(message.FaultValue(h, msg), "F"); werr != nil {
			return werr
		}
		return c.enc.Flush()
	}

	flag := "F"
	if static != nil && static.Kind() == reflect.Interface {
		flag = "T"
	}
	var v message.Value
	switch {
	case static == nil && res == nil:
		v = message.Void()
	case !c.preferValues && static != nil && static.Kind() != reflect.Interface:
		v = c.toValue(c.box(res), false)
	default:
		v = c.toValue(res, false)
	}
	if err := c.writeValue(v, flag); err != nil {
		return err
	}
	return c.enc.Flush()
}

// alloc stores x under a fresh handle.
func (c *conn) alloc(x any) message.Handle {
	c.last++
	c.objects[c.last] = x
	return c.last
}

// box wraps a scalar result in an object when the client asked for
// references instead of values.
func (c *conn) box(x any) any {
	if c.preferValues {
		return x
	}
	switch reflect.ValueOf(x).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return &Boxed{V: x}
	}
	return x
}

// args converts request arguments. Object references resolve to the held
// values; boxed scalars are unwrapped.
func (c *conn) args(vals []message.Value) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		x, err := c.fromValue(v)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

func (c *conn) fromValue(v message.Value) (any, error) {
	var err error
	x := codec.Unmarshal(v, func(ov message.Value) any {
		if ov.Kind == message.KindFault {
			return &Exception{Class: "php.java.bridge.PhpException", Message: ov.Str}
		}
		if ov.Handle == message.NoHandle {
			return nil
		}
		obj, ok := c.objects[ov.Handle]
		if !ok && err == nil {
			err = &Exception{Class: "java.lang.IllegalArgumentException", Message: "unknown object #" + ov.Handle.Hex()}
		}
		if b, ok := obj.(*Boxed); ok {
			return b.V
		}
		return obj
	})
	return x, err
}

// toValue converts a Go value for the wire, allocating handles for
// objects. force renders slices and maps as composites whatever the client
// prefers.
func (c *conn) toValue(x any, force bool) message.Value {
	if x == nil {
		return message.Null()
	}
	if v, ok := x.(values); ok {
		return c.toValue(v.x, true)
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return message.Null()
		}
	}
	switch rv.Kind() {
	case reflect.String:
		return message.String(rv.String())
	case reflect.Bool:
		return message.Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return message.Long(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return message.ULong(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return message.Double(rv.Float())
	case reflect.Slice, reflect.Array:
		if force || c.preferValues {
			items := make([]message.Value, rv.Len())
			for i := range items {
				items[i] = c.toValue(rv.Index(i).Interface(), force)
			}
			return message.Array(items...)
		}
	case reflect.Map:
		if force || c.preferValues {
			keys := sortedKeys(rv)
			pairs := make([]message.Pair, len(keys))
			for i, k := range keys {
				pairs[i] = message.Pair{Key: keyValue(k.Interface()), Val: c.toValue(rv.MapIndex(k).Interface(), force)}
			}
			return message.Map(pairs...)
		}
	}
	if force {
		if it, ok := x.(Iterable); ok {
			keys, vals := it.Entries()
			pairs := make([]message.Pair, len(keys))
			for i := range keys {
				pairs[i] = message.Pair{Key: keyValue(keys[i]), Val: c.toValue(vals[i], force)}
			}
			return message.Map(pairs...)
		}
		if b, ok := x.(*Boxed); ok {
			return c.toValue(b.V, force)
		}
	}
	return message.Object(c.alloc(x), className(x), kindOf(x))
}

func keyValue(k any) message.Value {
	rv := reflect.ValueOf(k)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return message.Long(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return message.ULong(rv.Uint())
	}
	return message.String(fmt.Sprint(k))
}

func sortedKeys(m reflect.Value) []reflect.Value {
	keys := m.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return keys
}

// writeValue writes v; flag is the n attribute of a top-level object or
// void tag.
func (c *conn) writeValue(v message.Value, flag string) error {
	switch v.Kind {
	case message.KindObject:
		return c.enc.Raw([]byte(`<O v="` + v.Handle.Hex() + `" m="` + protocol.Escape(v.Signature) +
			`" p="` + string(rune(v.Object)) + `" n="` + flag + `"/>`))
	case message.KindNull:
		return c.enc.Raw([]byte(`<N/>`))
	case message.KindVoid:
		return c.enc.Raw([]byte(`<V n="` + flag + `"/>`))
	case message.KindBool:
		if v.Bool {
			return c.enc.Raw([]byte(`<B v="T"/>`))
		}
		return c.enc.Raw([]byte(`<B v="F"/>`))
	case message.KindArray:
		if err := c.enc.CompositeBegin(false); err != nil {
			return err
		}
		for _, it := range v.Items {
			if err := c.enc.PairBegin(); err != nil {
				return err
			}
			if err := c.writeValue(it, "F"); err != nil {
				return err
			}
			if err := c.enc.PairEnd(); err != nil {
				return err
			}
		}
		return c.enc.CompositeEnd()
	case message.KindMap:
		if err := c.enc.CompositeBegin(true); err != nil {
			return err
		}
		for _, p := range v.Pairs {
			var err error
			if p.Key.Kind == message.KindLong {
				err = c.enc.PairBeginIndex(p.Key)
			} else {
				err = c.enc.PairBeginKey(p.Key.Str)
			}
			if err != nil {
				return err
			}
			if err := c.writeValue(p.Val, "F"); err != nil {
				return err
			}
			if err := c.enc.PairEnd(); err != nil {
				return err
			}
		}
		return c.enc.CompositeEnd()
	}
	return c.enc.WriteValue(v)
}

// apply calls method on the client-side object ref and serves the client's
// nested requests until its answer arrives.
func (c *conn) apply(ctx context.Context, ref uint64, method string, args []any) (any, error) {
	head := `<A v="` + strconv.FormatUint(ref, 16) + `" m="` + protocol.Escape(method) +
		`" p="` + protocol.Escape(method) + `" n="` + strconv.Itoa(len(args)) + `">`
	if err := c.enc.Raw([]byte(head)); err != nil {
		return nil, err
	}
	items := make([]message.Value, len(args))
	for i, a := range args {
		items[i] = c.toValue(a, false)
	}
	if err := c.writeValue(message.Array(items...), "F"); err != nil {
		return nil, err
	}
	if err := c.enc.Raw([]byte(`</A>`)); err != nil {
		return nil, err
	}
	if err := c.enc.Flush(); err != nil {
		return nil, err
	}

	for {
		call, err := protocol.DecodeCall(c.parser)
		if err != nil {
			return nil, err
		}
		switch call.Kind {
		case message.CallResult:
			if len(call.Args) == 0 {
				return nil, nil
			}
			v := call.Args[len(call.Args)-1]
			if v.Kind == message.KindFault {
				return nil, &Exception{Class: "php.java.bridge.PhpException", Message: v.Str}
			}
			return c.fromValue(v)
		case message.CallExit:
			c.exited = true
			return nil, errors.New("client exited during reverse call")
		}
		if err := c.dispatch(ctx, call); err != nil {
			return nil, err
		}
	}
}

// property reads or, with one argument, writes an exported struct field.
func (c *conn) property(call *message.Call) (any, reflect.Type, error) {
	obj, ok := c.objects[call.Target]
	if !ok {
		return nil, nil, &Exception{Class: "java.lang.IllegalStateException", Message: "no object #" + call.Target.Hex()}
	}
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	name := exported(call.Method)
	if rv.Kind() != reflect.Struct {
		return nil, nil, noSuchField(call.Method)
	}
	sf, ok := rv.Type().FieldByName(name)
	if !ok {
		// "id" finds ID
		sf, ok = rv.Type().FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, name) })
	}
	if !ok || !sf.IsExported() {
		return nil, nil, noSuchField(call.Method)
	}
	f := rv.FieldByIndex(sf.Index)
	if len(call.Args) == 0 {
		return f.Interface(), sf.Type, nil
	}

	if !f.CanSet() {
		return nil, nil, &Exception{Class: "java.lang.IllegalAccessException", Message: call.Method + " is read-only"}
	}
	arg, err := c.fromValue(call.Args[0])
	if err != nil {
		return nil, nil, err
	}
	if arg == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil, nil, nil
	}
	av := reflect.ValueOf(arg)
	switch {
	case av.Type().AssignableTo(f.Type()):
		f.Set(av)
	case av.Type().ConvertibleTo(f.Type()):
		f.Set(av.Convert(f.Type()))
	default:
		return nil, nil, &Exception{Class: "java.lang.IllegalArgumentException", Message: fmt.Sprintf("cannot assign %T to %s", arg, call.Method)}
	}
	return nil, nil, nil
}

func exported(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
