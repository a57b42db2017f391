package client

import (
	"sync"

	"go.uber.org/zap"

	"pjbridge/message"
)

// handleTable counts the live proxies per remote handle. The remote object
// is released when the count drops to zero.
type handleTable struct {
	mu     sync.Mutex
	counts map[message.Handle]int
}

func newHandleTable() *handleTable {
	return &handleTable{counts: make(map[message.Handle]int)}
}

func (t *handleTable) retain(h message.Handle) {
	t.mu.Lock()
	t.counts[h]++
	t.mu.Unlock()
}

// drop reports whether h has no proxy left.
func (t *handleTable) drop(h message.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[h]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(t.counts, h)
		return true
	}
	t.counts[h] = n - 1
	return false
}

func (t *handleTable) live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

type finalized struct {
	h   message.Handle
	tag uint64
}

// finalizeQueue receives proxies collected by the garbage collector. Cleanups
// run on their own goroutine, so the queue is drained by the session at its
// next checkpoint instead of touching the send buffer directly.
type finalizeQueue struct {
	mu    sync.Mutex
	items []finalized
}

func (q *finalizeQueue) push(f finalized) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
}

func (q *finalizeQueue) drain() []finalized {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// reap releases every proxy finalized since the last checkpoint.
func (s *Session) reap() {
	for _, f := range s.fin.drain() {
		s.log.Debug("proxy finalized", zap.String("handle", f.h.Hex()))
		s.release(f.h, f.tag)
	}
}

// release gives up one proxy of h. When it was the last one the remote
// object is released: a cached call whose result was never used is turned
// void before it leaves, anything else gets an unref.
func (s *Session) release(h message.Handle, tag uint64) {
	if s.broken != nil || s.closed {
		return
	}
	if !s.handles.drop(h) {
		return
	}
	if tag != 0 && tag == s.cancelTag && s.enc.CancelPending() {
		s.asyncCtx--
		s.stats.cancelled.Add(1)
		return
	}
	if err := s.enc.Unref(h); err != nil {
		s.fail(err)
		return
	}
	s.stats.unrefs.Add(1)
}
