// Package server is an in-process implementation of the remote runtime: it
// hosts Go values as remote objects and answers the tagged wire protocol.
//
// Request processing pipeline:
//
//	Accept conn → handshake byte → serve loop (one goroutine per connection)
//	  → DecodeCall → dispatch by envelope (Y K H G U Z)
//	    → Middleware Chain → invoke (service.Call via reflect) → write result
//
// Classes are registered by name with a constructor. Every object sent to
// the client gets a fresh handle from a per-connection counter, so a client
// can predict the handle of a cached call's result.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pjbridge/middleware"
	"pjbridge/registry"
	"pjbridge/transport"
)

// Class describes a remote class.
type Class struct {
	Name string
	// New is the constructor, a func returning the instance and
	// optionally an error. Nil makes the class static only.
	New any
	// Static are the static methods by name.
	Static map[string]any
}

// Server hosts classes and free functions for bridge clients.
type Server struct {
	mu      sync.RWMutex
	classes map[string]*Class
	funcs   map[string]any

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	buildOnce   sync.Once

	// Transport is socket or chunked.
	Transport string
	// Service is the name announced to the registry.
	Service string
	// InvokeTimeout bounds one invocation. A connection whose call runs
	// past it is closed, since the abandoned handler may still be using it.
	InvokeTimeout time.Duration

	log           *zap.Logger
	listener      net.Listener
	wg            sync.WaitGroup // tracks open connections for graceful shutdown
	shutdown      atomic.Bool
	registry      registry.Registry
	advertiseAddr string
	cancel        context.CancelFunc
}

// NewServer creates a server with the built-in java.lang classes
// registered.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	svr := &Server{
		classes:   make(map[string]*Class),
		funcs:     make(map[string]any),
		Transport: transport.KindSocket,
		Service:   "JavaBridge",
		log:       log,
	}
	registerLang(svr)
	return svr
}

// RegisterClass makes c constructible and referenceable by name.
func (svr *Server) RegisterClass(c Class) error {
	if c.Name == "" {
		return errors.New("server: class without name")
	}
	if c.New != nil && reflect.ValueOf(c.New).Kind() != reflect.Func {
		return fmt.Errorf("server: constructor of %s is %T, not a func", c.Name, c.New)
	}
	svr.mu.Lock()
	svr.classes[c.Name] = &c
	svr.mu.Unlock()
	return nil
}

// RegisterFunction adds a free function callable through handle zero.
func (svr *Server) RegisterFunction(name string, fn any) error {
	if reflect.ValueOf(fn).Kind() != reflect.Func {
		return fmt.Errorf("server: %s is %T, not a func", name, fn)
	}
	svr.mu.Lock()
	svr.funcs[name] = fn
	svr.mu.Unlock()
	return nil
}

func (svr *Server) class(name string) (*Class, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	c, ok := svr.classes[name]
	return c, ok
}

func (svr *Server) function(name string) (any, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	fn, ok := svr.funcs[name]
	return fn, ok
}

// Use registers a middleware around method invocation. Middlewares apply
// in the order they are added and must be registered before serving.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

func (svr *Server) build() {
	svr.buildOnce.Do(func() {
		// Chain(A, B)(h) → A(B(h)); recovery sits innermost
		mws := append([]middleware.Middleware(nil), svr.middlewares...)
		if svr.InvokeTimeout > 0 {
			mws = append(mws, middleware.TimeOutMiddleware(svr.InvokeTimeout))
		}
		mws = append(mws, middleware.RecoveryMiddleware(svr.log))
		svr.handler = middleware.Chain(mws...)(svr.invoke)
	})
}

// ListenAndServe listens on address, announces advertiseAddr to reg when
// reg is not nil, and serves until Shutdown.
//
// advertiseAddr differs from the listen address because ":9267" resolves
// to "[::]:9267" locally; the registry needs a routable address.
func (svr *Server) ListenAndServe(network, address, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if reg != nil {
		ctx, cancel := context.WithCancel(context.Background())
		svr.mu.Lock()
		svr.cancel = cancel
		svr.registry, svr.advertiseAddr = reg, advertiseAddr
		svr.mu.Unlock()
		ep := registry.Endpoint{Addr: advertiseAddr, Weight: 1, Transport: svr.Transport}
		// TTL 10s, renewed by keepalive until Shutdown
		if err := reg.Register(ctx, svr.Service, ep, 10); err != nil {
			l.Close()
			return err
		}
	}
	return svr.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (svr *Server) Serve(l net.Listener) error {
	svr.mu.Lock()
	svr.listener = l
	svr.mu.Unlock()
	if svr.shutdown.Load() {
		return l.Close()
	}
	svr.build()
	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.wg.Add(1)
		go func() {
			defer svr.wg.Done()
			svr.ServeConn(conn)
		}()
	}
}

// ServeConn serves one connection until the client exits or the
// connection breaks. It is used directly with net.Pipe in tests.
func (svr *Server) ServeConn(nc net.Conn) {
	svr.build()
	var ch transport.Channel = transport.NewRawChannel(nc, 0, 0)
	if svr.Transport == transport.KindChunked {
		ch = transport.NewChunkedChannel(nc)
	}
	c := newConn(svr, ch)
	defer ch.Close()
	if err := c.serve(context.Background()); err != nil {
		svr.log.Debug("connection closed", zap.String("remote", nc.RemoteAddr().String()), zap.Error(err))
	}
}

// Shutdown deregisters the server, stops accepting and waits for open
// connections to finish.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, addr, stop := svr.registry, svr.advertiseAddr, svr.cancel
	svr.mu.RUnlock()
	// deregister first so clients stop picking this server
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		reg.Deregister(ctx, svr.Service, addr)
		cancel()
		stop()
	}

	// set the flag before closing so Serve returns nil
	svr.shutdown.Store(true)
	svr.mu.RLock()
	l := svr.listener
	svr.mu.RUnlock()
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for open connections to finish")
	}
}
