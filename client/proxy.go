package client

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"pjbridge/message"
)

// Proxy is the local stand-in for one remote object. Several proxies may
// share a handle; the remote object is released when the last one is
// released or collected.
//
// The kind-specific behaviour lives in a delegate that is built on first use,
// so a proxy that is only passed along as an argument costs nothing extra.
type Proxy struct {
	s    *Session
	h    message.Handle
	sig  string
	kind message.ObjectKind
	// tag is the cancel tag of the cached call that produced the proxy,
	// zero for proxies built from a read result.
	tag uint64

	released atomic.Bool
	cleanup  runtime.Cleanup

	once sync.Once
	del  delegate
}

func (s *Session) newProxy(h message.Handle, sig string, kind message.ObjectKind, tag uint64) *Proxy {
	if kind == 0 {
		kind = message.ObjectPlain
	}
	p := &Proxy{s: s, h: h, sig: sig, kind: kind, tag: tag}
	s.handles.retain(h)
	p.cleanup = runtime.AddCleanup(p, s.fin.push, finalized{h: h, tag: tag})
	return p
}

func (p *Proxy) Handle() message.Handle { return p.h }

// Signature is the remote type the proxy was created with, empty when the
// remote side did not tell.
func (p *Proxy) Signature() string { return p.sig }

func (p *Proxy) Kind() message.ObjectKind { return p.kind }

func (p *Proxy) Released() bool { return p.released.Load() }

func (p *Proxy) Session() *Session { return p.s }

func (p *Proxy) delegate() delegate {
	p.once.Do(func() {
		p.del = factoryFor(p.kind)(p)
	})
	return p.del
}

// Get reads a field.
func (p *Proxy) Get(ctx context.Context, name string) (any, error) {
	return p.s.GetProperty(ctx, p, name)
}

// Set writes a field.
func (p *Proxy) Set(ctx context.Context, name string, val any) error {
	return p.s.SetProperty(ctx, p, name, val)
}

// Call invokes a method.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	return p.s.Invoke(ctx, p, method, args...)
}

// ToString returns the remote string form of the object.
func (p *Proxy) ToString(ctx context.Context) (string, error) {
	return p.delegate().toString(ctx)
}

// Iterate returns a single-pass iterator over the remote object.
func (p *Proxy) Iterate(ctx context.Context) (*Iterator, error) {
	return p.delegate().iterate(ctx)
}

// Index reads the element at idx. With more arguments, the remote method
// offsetGet of the object is called with idx followed by them.
func (p *Proxy) Index(ctx context.Context, idx any, more ...any) (any, error) {
	if len(more) > 0 {
		return p.Call(ctx, "offsetGet", append([]any{idx}, more...)...)
	}
	return p.delegate().offset(ctx, "offsetGet", idx)
}

// SetIndex writes val at idx.
func (p *Proxy) SetIndex(ctx context.Context, idx, val any, more ...any) error {
	var err error
	if len(more) > 0 {
		_, err = p.Call(ctx, "offsetSet", append([]any{idx, val}, more...)...)
	} else {
		_, err = p.delegate().offset(ctx, "offsetSet", idx, val)
	}
	return err
}

// HasIndex reports whether idx is present.
func (p *Proxy) HasIndex(ctx context.Context, idx any, more ...any) (bool, error) {
	var res any
	var err error
	if len(more) > 0 {
		res, err = p.Call(ctx, "offsetExists", append([]any{idx}, more...)...)
	} else {
		res, err = p.delegate().offset(ctx, "offsetExists", idx)
	}
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}

// UnsetIndex removes idx.
func (p *Proxy) UnsetIndex(ctx context.Context, idx any, more ...any) error {
	var err error
	if len(more) > 0 {
		_, err = p.Call(ctx, "offsetUnset", append([]any{idx}, more...)...)
	} else {
		_, err = p.delegate().offset(ctx, "offsetUnset", idx)
	}
	return err
}

// Fault returns the remote failure an exception proxy stands for, or nil
// for other kinds.
func (p *Proxy) Fault(ctx context.Context) (*message.Fault, error) {
	ex, ok := p.delegate().(*exceptionDelegate)
	if !ok {
		return nil, nil
	}
	return ex.fault(ctx)
}

// Retain returns a second proxy of the same handle. Each must be released.
func (p *Proxy) Retain() (*Proxy, error) {
	if p.Released() {
		return nil, message.ErrReleased
	}
	return p.s.newProxy(p.h, p.sig, p.kind, p.tag), nil
}

// Release gives up the proxy. Releasing twice is a no-op.
func (p *Proxy) Release() { p.release() }

func (p *Proxy) release() bool {
	if !p.released.CompareAndSwap(false, true) {
		return false
	}
	p.cleanup.Stop()
	p.s.release(p.h, p.tag)
	return true
}

func (p *Proxy) String() string {
	return message.Object(p.h, p.sig, p.kind).String()
}
