// Package registry finds bridge servers.
//
// A bridge server is announced under a service name, typically the name of
// the application context it serves. Clients discover the current endpoint
// list and pick one per session.
package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrNoEndpoints is returned when a service has no registered endpoint.
var ErrNoEndpoints = errors.New("registry: no endpoints")

// Endpoint is one bridge server.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"`
	Version string `json:"version,omitempty"`
	// Transport is socket, chunked or http; empty means socket.
	Transport string `json:"transport,omitempty"`
	// Servlet is the servlet path for the http transport.
	Servlet string `json:"servlet,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}

// Static is an in-memory Registry, used when the endpoints come from
// configuration. Its TTLs are ignored.
type Static struct {
	mu       sync.RWMutex
	services map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

// NewStatic returns a registry holding eps under service.
func NewStatic(service string, eps ...Endpoint) *Static {
	r := &Static{
		services: make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
	if len(eps) > 0 {
		r.services[service] = append([]Endpoint(nil), eps...)
	}
	return r
}

func (r *Static) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.services[service]
	for i := range eps {
		if eps[i].Addr == ep.Addr {
			eps[i] = ep
			r.notify(service)
			return nil
		}
	}
	r.services[service] = append(eps, ep)
	r.notify(service)
	return nil
}

func (r *Static) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.services[service]
	for i := range eps {
		if eps[i].Addr == addr {
			r.services[service] = append(eps[:i:i], eps[i+1:]...)
			r.notify(service)
			return nil
		}
	}
	return nil
}

func (r *Static) Discover(_ context.Context, service string) ([]Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := r.services[service]
	if len(eps) == 0 {
		return nil, ErrNoEndpoints
	}
	return append([]Endpoint(nil), eps...), nil
}

// Watch emits the endpoint list after every change until ctx is done. Slow
// readers only see the latest list.
func (r *Static) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify must be called with r.mu held.
func (r *Static) notify(service string) {
	eps := append([]Endpoint(nil), r.services[service]...)
	for _, w := range r.watchers[service] {
		select {
		case <-w:
		default:
		}
		w <- eps
	}
}
