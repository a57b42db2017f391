package client

import (
	"context"
	"fmt"
	"sync"

	"pjbridge/message"
)

// delegate is the kind-specific half of a proxy.
type delegate interface {
	toString(ctx context.Context) (string, error)
	iterate(ctx context.Context) (*Iterator, error)
	offset(ctx context.Context, op string, args ...any) (any, error)
}

type factory func(p *Proxy) delegate

var factories = map[message.ObjectKind]factory{
	message.ObjectPlain:      func(p *Proxy) delegate { return &objectDelegate{p: p} },
	message.ObjectCollection: func(p *Proxy) delegate { return &objectDelegate{p: p} },
	message.ObjectArray:      func(p *Proxy) delegate { return &arrayDelegate{objectDelegate{p: p}} },
	message.ObjectException:  func(p *Proxy) delegate { return &exceptionDelegate{objectDelegate: objectDelegate{p: p}} },
}

func factoryFor(k message.ObjectKind) factory {
	if f, ok := factories[k]; ok {
		return f
	}
	return factories[message.ObjectPlain]
}

// objectDelegate serves plain objects and collections. Offset access and
// iteration go through the free functions of the remote runtime.
type objectDelegate struct {
	p *Proxy
}

func (d *objectDelegate) toString(ctx context.Context) (string, error) {
	res, err := d.p.Call(ctx, "toString")
	if err != nil {
		return "", err
	}
	if sp, ok := res.(*Proxy); ok {
		defer sp.Release()
		res, err = d.p.s.Cast(ctx, sp, "S")
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprint(res), nil
}

func (d *objectDelegate) iterate(ctx context.Context) (*Iterator, error) {
	res, err := d.p.s.Invoke(ctx, nil, "getIterator", d.p)
	if err != nil {
		return nil, err
	}
	it, ok := res.(*Proxy)
	if !ok {
		return nil, message.Protocolf("getIterator returned %T", res)
	}
	return newIterator(it), nil
}

func (d *objectDelegate) offset(ctx context.Context, op string, args ...any) (any, error) {
	return d.p.s.Invoke(ctx, nil, op, append([]any{d.p}, args...)...)
}

// arrayDelegate serves remote arrays, whose length is fixed.
type arrayDelegate struct {
	objectDelegate
}

func (d *arrayDelegate) offset(ctx context.Context, op string, args ...any) (any, error) {
	if op == "offsetUnset" {
		return nil, message.Usagef("cannot remove elements of a fixed length array")
	}
	return d.objectDelegate.offset(ctx, op, args...)
}

// exceptionDelegate serves remote exceptions. The fault record is loaded
// once from the remote message.
type exceptionDelegate struct {
	objectDelegate

	once sync.Once
	f    *message.Fault
	err  error
}

func (d *exceptionDelegate) fault(ctx context.Context) (*message.Fault, error) {
	d.once.Do(func() {
		res, err := d.p.Call(ctx, "getMessage")
		if err != nil {
			d.err = err
			return
		}
		msg := ""
		if res != nil {
			msg = fmt.Sprint(res)
		}
		d.f = message.NewFault(d.p.h, msg)
		if d.p.sig != "" {
			d.f.RemoteClassName = d.p.sig
		}
	})
	return d.f, d.err
}
