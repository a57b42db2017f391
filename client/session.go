// Package client drives the conversation with the bridge server.
//
// A Session owns one connection: the encoder and its send buffer, the
// parser, the signature cache, the reference table for reverse calls and
// the handle registry. Remote objects surface as *Proxy values.
//
// A forward call is encoded, flushed, and then the session reads responses
// until a terminal result arrives. Any number of reverse calls may arrive
// first; each is executed locally and answered before reading on:
//
//	Invoke ──> <Y ...>          ──> server
//	       <── <A v=1 m=run>    <── server calls back
//	run()  ──> <R>...</R>       ──> answer
//	       <── <O v=7 .../>     <── terminal result
//
// A Session is not safe for concurrent use. Reverse calls execute on the
// goroutine that issued the forward call and may re-enter the session. Use a
// Pool for concurrency.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"pjbridge/cache"
	"pjbridge/codec"
	"pjbridge/message"
	"pjbridge/middleware"
	"pjbridge/protocol"
	"pjbridge/refs"
	"pjbridge/transport"
)

// ErrSessionBroken is returned by every operation after a fatal protocol or
// transport error.
var ErrSessionBroken = errors.New("session broken")

// NoLogLevel leaves the server's log level alone.
const NoLogLevel = -1

// Options configure a Session.
type Options struct {
	Logger   *zap.Logger
	Charset  *codec.Charset
	SendSize int
	RecvSize int
	// PreferValues asks the server to send values instead of references
	// where it can.
	PreferValues bool
	// LogLevel is the remote log level 0-7, or NoLogLevel.
	LogLevel int
	// Middleware wraps reverse-call execution, outermost first.
	Middleware []middleware.Middleware
}

// DefaultOptions returns the historic bridge defaults.
func DefaultOptions() Options {
	return Options{
		Charset:      codec.UTF8,
		SendSize:     8192,
		RecvSize:     8192,
		PreferValues: true,
		LogLevel:     NoLogLevel,
	}
}

// Stats are cumulative session counters.
type Stats struct {
	Calls        uint64 // full round trips
	CachedCalls  uint64 // calls stamped from a cached template
	ReverseCalls uint64
	Unrefs       uint64
	Cancelled    uint64 // cached calls turned void before they were sent
	LiveHandles  int
	BytesSent    uint64
	Cache        cache.Stats
}

func (a Stats) add(b Stats) Stats {
	a.Calls += b.Calls
	a.CachedCalls += b.CachedCalls
	a.ReverseCalls += b.ReverseCalls
	a.Unrefs += b.Unrefs
	a.Cancelled += b.Cancelled
	a.LiveHandles += b.LiveHandles
	a.BytesSent += b.BytesSent
	a.Cache.Hits += b.Cache.Hits
	a.Cache.Misses += b.Cache.Misses
	a.Cache.Entries += b.Cache.Entries
	return a
}

type counters struct {
	calls     atomic.Uint64
	cached    atomic.Uint64
	reverse   atomic.Uint64
	unrefs    atomic.Uint64
	cancelled atomic.Uint64
}

// callShape is the fingerprint and recorded template of the call awaiting
// its result.
type callShape struct {
	key string
	tpl *protocol.Template
}

// Session is one connection to the bridge server.
type Session struct {
	ch      transport.Channel
	enc     *protocol.Encoder
	parser  *protocol.Parser
	cs      *codec.Charset
	caches  *cache.Set
	refs    *refs.Table
	handles *handleTable
	fin     *finalizeQueue
	funcs   map[string]any
	marshal codec.Marshaler
	handler middleware.HandlerFunc
	log     *zap.Logger
	// endpoint is the address the session was dialed to by a Pool.
	endpoint string

	// asyncCtx is the last handle the server allocated, as far as the
	// session can tell. Cached calls predict their result handle from it.
	asyncCtx message.Handle
	// cancelTag identifies the most recent cached call.
	cancelTag uint64
	current   callShape

	broken error
	closed bool
	stats  counters
}

// NewSession starts a session on ch. The handshake byte is buffered and goes
// out with the first request.
func NewSession(ch transport.Channel, opts Options) (*Session, error) {
	def := DefaultOptions()
	if opts.Charset == nil {
		opts.Charset = def.Charset
	}
	if opts.SendSize <= 0 {
		opts.SendSize = def.SendSize
	}
	if opts.RecvSize <= 0 {
		opts.RecvSize = def.RecvSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		ch:      ch,
		enc:     protocol.NewEncoder(ch, opts.SendSize, opts.Charset),
		parser:  protocol.NewParser(ch, opts.RecvSize, opts.Charset),
		cs:      opts.Charset,
		caches:  cache.NewSet(),
		refs:    refs.New(),
		handles: newHandleTable(),
		fin:     &finalizeQueue{},
		funcs:   make(map[string]any),
		log:     log,
	}
	s.marshal = codec.Marshaler{OnSubstitute: func(v any) {
		s.log.Warn("argument is not a remote object, sending null instead", zap.String("type", fmt.Sprintf("%T", v)))
	}}
	mws := append(append([]middleware.Middleware(nil), opts.Middleware...), middleware.RecoveryMiddleware(log))
	s.handler = middleware.Chain(mws...)(s.invokeLocal)

	if err := s.enc.Raw([]byte{Handshake(opts.PreferValues, opts.LogLevel)}); err != nil {
		return nil, err
	}
	return s, nil
}

// Handshake returns the compatibility byte sent before the first request.
func Handshake(preferValues bool, logLevel int) byte {
	b := byte(0x40)
	if preferValues {
		b++
	}
	if logLevel >= 0 {
		b |= 0x80 | byte(logLevel&7)<<2
	}
	return b
}

func (s *Session) check() error {
	if s.broken != nil {
		return fmt.Errorf("%w: %w", ErrSessionBroken, s.broken)
	}
	if s.closed {
		return fmt.Errorf("%w: closed", ErrSessionBroken)
	}
	return nil
}

// fail records a fatal error. Non-fatal errors pass through untouched.
func (s *Session) fail(err error) error {
	if err == nil || !message.IsFatal(err) {
		return err
	}
	if s.broken == nil {
		s.broken = err
		s.log.Error("connection broken", zap.Error(err))
	}
	return err
}

// Broken returns the fatal error that ended the session, or nil.
func (s *Session) Broken() error { return s.broken }

// begin is the checkpoint at the start of every forward call: it refuses
// work on a broken session and releases finalized proxies.
func (s *Session) begin(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.reap()
	return nil
}

// UseAsyncCache selects the async signature cache.
func (s *Session) UseAsyncCache() { s.caches.UseAsync() }

// UseDefaultCache selects the default signature cache.
func (s *Session) UseDefaultCache() { s.caches.UseDefault() }

// Flush releases finalized proxies and sends everything buffered, including
// a held-back cached call.
func (s *Session) Flush() error {
	if err := s.check(); err != nil {
		return err
	}
	s.reap()
	return s.fail(s.enc.FlushAll())
}

// Exit sends the exit code and closes the session.
func (s *Session) Exit(code uint32) error {
	if err := s.check(); err != nil {
		return err
	}
	s.reap()
	if err := s.enc.ExitCode(code); err != nil {
		s.fail(err)
	} else {
		s.fail(s.enc.FlushAll())
	}
	return s.Close()
}

// Close flushes pending releases when the connection is still healthy and
// closes the channel.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	if s.broken == nil {
		s.reap()
		if err := s.enc.FlushAll(); err != nil {
			s.log.Debug("flush on close failed", zap.Error(err))
		}
	}
	s.closed = true
	return s.ch.Close()
}

// Stats returns the session counters. It may be called from any goroutine.
func (s *Session) Stats() Stats {
	return Stats{
		Calls:        s.stats.calls.Load(),
		CachedCalls:  s.stats.cached.Load(),
		ReverseCalls: s.stats.reverse.Load(),
		Unrefs:       s.stats.unrefs.Load(),
		Cancelled:    s.stats.cancelled.Load(),
		LiveHandles:  s.handles.live(),
		BytesSent:    s.enc.Flushed(),
		Cache:        s.caches.Stats(),
	}
}
