package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pjbridge/loadbalance"
	"pjbridge/registry"
	"pjbridge/transport"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("pool closed")

// PoolOptions configure a Pool.
type PoolOptions struct {
	Registry registry.Registry
	Balancer loadbalance.Balancer
	// Service is the name the bridge servers are registered under.
	Service string
	// Dial is the template for every connection. An endpoint's own
	// transport and servlet override Kind and Servlet.
	Dial    transport.Options
	Session Options
	// MaxIdle is the number of idle sessions kept per endpoint.
	MaxIdle int
	Logger  *zap.Logger
}

// Pool hands out sessions. A Session serves one goroutine at a time, so
// concurrent callers each borrow their own and give it back with Put.
//
// The pool per endpoint is a buffered channel: FIFO, goroutine-safe, and
// a full channel means the returned session is closed instead.
type Pool struct {
	opts PoolOptions
	log  *zap.Logger

	mu     sync.Mutex
	idle   map[string]chan *Session
	open   map[*Session]struct{}
	closed bool
	// retired accumulates the counters of closed sessions.
	retired Stats
}

// PoolStats are the counters of a Pool. Session sums the counters of every
// session the pool has opened.
type PoolStats struct {
	Open    int
	Idle    int
	Session Stats
}

// NewPool returns an empty pool. Sessions are dialed on demand.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("pool: no registry")
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 4
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = log
	}
	if opts.Dial.Logger == nil {
		opts.Dial.Logger = log
	}
	return &Pool{
		opts: opts,
		log:  log,
		idle: make(map[string]chan *Session),
		open: make(map[*Session]struct{}),
	}, nil
}

func (p *Pool) idleFor(addr string) (chan *Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	ch, ok := p.idle[addr]
	if !ok {
		ch = make(chan *Session, p.opts.MaxIdle)
		p.idle[addr] = ch
	}
	return ch, nil
}

// Get borrows a session to one of the service's endpoints. key feeds
// key-based balancers and may be empty.
func (p *Pool) Get(ctx context.Context, key string) (*Session, error) {
	eps, err := p.opts.Registry.Discover(ctx, p.opts.Service)
	if err != nil {
		return nil, err
	}
	ep, err := p.opts.Balancer.Pick(eps, key)
	if err != nil {
		return nil, err
	}
	ch, err := p.idleFor(ep.Addr)
	if err != nil {
		return nil, err
	}

idle:
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return nil, ErrPoolClosed
			}
			if s.check() == nil {
				return s, nil
			}
			p.discard(s)
		default:
			break idle
		}
	}

	opts := p.opts.Dial
	if ep.Transport != "" {
		opts.Kind = ep.Transport
	}
	if ep.Servlet != "" {
		opts.Servlet = ep.Servlet
	}
	c, err := transport.Dial(ctx, ep.Addr, opts)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(c, p.opts.Session)
	if err != nil {
		c.Close()
		return nil, err
	}
	s.endpoint = ep.Addr
	p.mu.Lock()
	p.open[s] = struct{}{}
	p.mu.Unlock()
	p.log.Debug("session opened", zap.String("addr", ep.Addr), zap.String("balancer", p.opts.Balancer.Name()))
	return s, nil
}

// Put gives s back. Broken sessions and sessions beyond MaxIdle are closed.
func (p *Pool) Put(s *Session) {
	if s == nil {
		return
	}
	if s.check() != nil {
		p.discard(s)
		return
	}
	if err := s.Flush(); err != nil {
		p.discard(s)
		return
	}
	p.mu.Lock()
	ch, ok := p.idle[s.endpoint]
	if !p.closed && ok {
		select {
		case ch <- s:
			p.mu.Unlock()
			return
		default:
		}
	}
	p.mu.Unlock()
	p.discard(s)
}

// discard closes s and folds its counters into the pool totals.
func (p *Pool) discard(s *Session) {
	s.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[s]; !ok {
		return
	}
	delete(p.open, s)
	st := s.Stats()
	st.LiveHandles = 0
	p.retired = p.retired.add(st)
}

// Stats returns the pool counters. It may be called from any goroutine.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps := PoolStats{Open: len(p.open), Session: p.retired}
	for _, ch := range p.idle {
		ps.Idle += len(ch)
	}
	for s := range p.open {
		ps.Session = ps.Session.add(s.Stats())
	}
	return ps
}

// Do runs fn on a borrowed session and gives it back.
func (p *Pool) Do(ctx context.Context, key string, fn func(*Session) error) error {
	s, err := p.Get(ctx, key)
	if err != nil {
		return err
	}
	defer p.Put(s)
	return fn(s)
}

// Close closes every idle session. Borrowed sessions are closed when they
// are put back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Session
	for addr, ch := range p.idle {
		close(ch)
		for s := range ch {
			idle = append(idle, s)
		}
		delete(p.idle, addr)
	}
	p.mu.Unlock()
	for _, s := range idle {
		p.discard(s)
	}
	return nil
}
