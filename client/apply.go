package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"pjbridge/codec"
	"pjbridge/message"
	"pjbridge/middleware"
	"pjbridge/service"
)

// apply executes a reverse call and writes its answer. Failures of the
// local target are answered with an E tag; only a panic escalates.
func (s *Session) apply(ctx context.Context, f *frame) error {
	s.stats.reverse.Add(1)
	table, shape := s.caches.Selected(), s.current
	defer func() {
		s.caches.Select(table)
		s.current = shape
	}()

	vals := f.vals
	if len(vals) == 1 && vals[0].Kind == message.KindArray {
		vals = vals[0].Items
	}
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = codec.Unmarshal(v, s.wrap)
	}

	req := &middleware.Request{Handle: f.ref, Method: f.method, Args: args}
	if f.ref != 0 {
		t, ok := s.refs.Get(f.ref)
		if !ok {
			return s.writeFault(f.method, fmt.Errorf("%w: unknown reference %x", service.ErrNoSuchMethod, f.ref))
		}
		req.Target = t
	}

	res, err := s.handler(ctx, req)
	if err != nil {
		if errors.Is(err, middleware.ErrPanic) {
			return fmt.Errorf("%w: %w", message.ErrProtocol, err)
		}
		s.log.Debug("reverse call failed", zap.String("method", f.method), zap.Error(err))
		return s.writeFault(f.method, err)
	}
	return s.writeResult(ctx, f.method, res)
}

// invokeLocal is the innermost reverse-call handler.
func (s *Session) invokeLocal(ctx context.Context, req *middleware.Request) (any, error) {
	if req.Target == nil {
		if req.Handle != 0 {
			return nil, fmt.Errorf("%w: %s", service.ErrNoSuchMethod, req.Method)
		}
		fn, ok := s.funcs[req.Method]
		if !ok {
			return nil, fmt.Errorf("%w: function %s", service.ErrNoSuchMethod, req.Method)
		}
		return service.CallFunc(ctx, fn, req.Args)
	}
	if reflect.TypeOf(req.Target).Kind() == reflect.Func {
		return service.CallFunc(ctx, req.Target, req.Args)
	}
	svc, err := service.New(req.Target)
	if err != nil {
		return nil, err
	}
	return svc.Call(ctx, req.Method, req.Args)
}

func (s *Session) writeFault(method string, err error) error {
	h, msg := message.NoHandle, err.Error()
	var f *message.Fault
	switch {
	case errors.As(err, &f):
		h, msg = f.Handle, f.Message
	case errors.Is(err, service.ErrNoSuchMethod):
		msg = "java.lang.NoSuchMethodError: " + method
	}
	if err := s.enc.ResultBegin(); err != nil {
		return err
	}
	if err := s.enc.WriteException(h, msg); err != nil {
		return err
	}
	return s.enc.ResultEnd()
}

// writeResult answers a reverse call with res. A local value that is not a
// remote object and not a composite is handed over as a closure wrapping it.
func (s *Session) writeResult(ctx context.Context, method string, res any) error {
	substituted := false
	m := codec.Marshaler{OnSubstitute: func(any) { substituted = true }}
	v, _, err := m.Marshal(res)
	if err != nil {
		return s.writeFault(method, err)
	}

	if substituted && !isComposite(res) {
		s.log.Warn("reverse call returned a local object, passing it as a closure",
			zap.String("method", method), zap.String("type", fmt.Sprintf("%T", res)))
		p, err := s.Closure(ctx, res)
		if err != nil {
			if message.IsFatal(err) {
				return err
			}
			return s.writeFault(method, err)
		}
		defer p.Release()
		v = message.Object(p.h, p.sig, p.kind)
	}

	if err := s.enc.ResultBegin(); err != nil {
		return err
	}
	if err := s.enc.WriteValue(v); err != nil {
		return err
	}
	return s.enc.ResultEnd()
}

func isComposite(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}
