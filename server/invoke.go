package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"pjbridge/message"
	"pjbridge/middleware"
	"pjbridge/service"
)

// Named values report their remote class name.
type Named interface {
	ClassName() string
}

// Iterable values can be walked by getIterator and flattened by getValues.
type Iterable interface {
	Entries() (keys []any, vals []any)
}

// Indexable values serve the offset free functions.
type Indexable interface {
	OffsetGet(key any) (any, error)
	OffsetSet(key, val any) error
	OffsetExists(key any) bool
	OffsetUnset(key any) error
}

// Exception is a remote failure with a class name.
type Exception struct {
	Class   string
	Message string
	Cause   error
}

func (e *Exception) Error() string      { return e.Class + ": " + e.Message }
func (e *Exception) Unwrap() error      { return e.Cause }
func (e *Exception) ClassName() string  { return e.Class }
func (e *Exception) GetMessage() string { return e.Message }

func classNotFound(name string) error {
	return &Exception{Class: "java.lang.ClassNotFoundException", Message: name}
}

func noSuchMethod(name string) error {
	return &Exception{Class: "java.lang.NoSuchMethodException", Message: name}
}

func noSuchField(name string) error {
	return &Exception{Class: "java.lang.NoSuchFieldException", Message: name}
}

func errClass(err error) string {
	var ex *Exception
	switch {
	case errors.As(err, &ex):
		return ex.Class
	case errors.Is(err, service.ErrNoSuchMethod):
		return "java.lang.NoSuchMethodException"
	case errors.Is(err, service.ErrBadArgument):
		return "java.lang.IllegalArgumentException"
	case errors.Is(err, middleware.ErrRateLimited), errors.Is(err, middleware.ErrTimeout):
		return "java.util.concurrent.RejectedExecutionException"
	}
	return "java.lang.RuntimeException"
}

func errMessage(err error) string {
	var ex *Exception
	if errors.As(err, &ex) {
		return ex.Message
	}
	return err.Error()
}

func className(x any) string {
	switch v := x.(type) {
	case nil:
		return "null"
	case Named:
		return v.ClassName()
	}
	return reflect.TypeOf(x).String()
}

func kindOf(x any) message.ObjectKind {
	switch x.(type) {
	case error:
		return message.ObjectException
	case Iterable:
		return message.ObjectCollection
	}
	switch reflect.ValueOf(x).Kind() {
	case reflect.Slice, reflect.Array:
		return message.ObjectArray
	case reflect.Map:
		return message.ObjectCollection
	}
	return message.ObjectPlain
}

// classRef is the object a class reference resolves to.
type classRef struct {
	cls *Class
}

func (r *classRef) ClassName() string { return r.cls.Name }

func (r *classRef) static(method string) (any, bool) {
	if fn, ok := r.cls.Static[method]; ok {
		return fn, true
	}
	fn, ok := r.cls.Static[exported(method)]
	return fn, ok
}

func (r *classRef) call(ctx context.Context, method string, args []any) (any, error) {
	if fn, ok := r.static(method); ok {
		return service.CallFunc(ctx, fn, args)
	}
	switch method {
	case "newInstance":
		if r.cls.New == nil {
			return nil, &Exception{Class: "java.lang.InstantiationException", Message: r.cls.Name}
		}
		return service.CallFunc(ctx, r.cls.New, args)
	case "getName":
		return r.cls.Name, nil
	}
	return nil, noSuchMethod(r.cls.Name + "." + method)
}

func (r *classRef) returns(method string) reflect.Type {
	if fn, ok := r.static(method); ok {
		return service.FuncReturns(fn)
	}
	switch method {
	case "newInstance":
		return service.FuncReturns(r.cls.New)
	case "getName":
		return reflect.TypeOf("")
	}
	return nil
}

// Closure is a client-side object handed to the server. Calling it sends a
// reverse call to the client. A Go method taking a *Closure parameter
// receives it from a proxy the client created with makeClosure.
type Closure struct {
	c   *conn
	ref uint64
}

func (cl *Closure) ClassName() string { return "php.java.bridge.Closure" }

// Call runs method on the client-side object and returns its result.
func (cl *Closure) Call(ctx context.Context, method string, args ...any) (any, error) {
	return cl.c.apply(ctx, cl.ref, method, args)
}

// invoke is the innermost handler of forward calls.
func (svr *Server) invoke(ctx context.Context, req *middleware.Request) (any, error) {
	switch t := req.Target.(type) {
	case nil:
		if fn, ok := builtins[req.Method]; ok {
			return fn(ctx, connFrom(ctx), req.Args)
		}
		if fn, ok := svr.function(req.Method); ok {
			return service.CallFunc(ctx, fn, req.Args)
		}
		return nil, noSuchMethod(req.Method)
	case *classRef:
		return t.call(ctx, req.Method, req.Args)
	case *Closure:
		return t.Call(ctx, req.Method, req.Args...)
	}

	svc, err := service.New(req.Target)
	if err != nil {
		return nil, err
	}
	if svc.Has(req.Method) {
		return svc.Call(ctx, req.Method, req.Args)
	}
	if fb, ok := fallbacks[req.Method]; ok {
		return fb(req.Target)
	}
	return nil, noSuchMethod(className(req.Target) + "." + req.Method)
}

// returns is the static result type of the call invoke would make, nil for
// void.
func (svr *Server) returns(target any, method string) reflect.Type {
	switch t := target.(type) {
	case nil:
		if _, ok := builtins[method]; ok {
			return anyType
		}
		if fn, ok := svr.function(method); ok {
			return service.FuncReturns(fn)
		}
		return nil
	case *classRef:
		return t.returns(method)
	case *Closure:
		return anyType
	}
	svc, err := service.New(target)
	if err != nil {
		return nil
	}
	if typ, ok := svc.Returns(method); ok {
		return typ
	}
	if _, ok := fallbacks[method]; ok {
		return anyType
	}
	return nil
}

// fallbacks serve the java.lang.Object and Throwable methods every object
// answers.
var fallbacks = map[string]func(x any) (any, error){
	"toString": func(x any) (any, error) { return stringOf(x), nil },
	"getClass": func(x any) (any, error) { return &classRef{cls: &Class{Name: className(x)}}, nil },
	"getMessage": func(x any) (any, error) {
		if err, ok := x.(error); ok {
			return errMessage(err), nil
		}
		return nil, noSuchMethod("getMessage")
	},
	"getCause": func(x any) (any, error) {
		if err, ok := x.(error); ok {
			if cause := errors.Unwrap(err); cause != nil {
				return cause, nil
			}
			return nil, nil
		}
		return nil, noSuchMethod("getCause")
	},
}

func stringOf(x any) string {
	switch v := x.(type) {
	case nil:
		return "null"
	case *Boxed:
		return stringOf(v.V)
	case error:
		return className(v) + ": " + errMessage(v)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(x)
}
