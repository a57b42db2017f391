package client

import (
	"context"
	"iter"
)

// Iterator walks a remote iterator. It is single pass and cannot be
// restarted.
//
//	it, err := list.Iterate(ctx)
//	for it.Next(ctx) {
//		fmt.Println(it.Key(), it.Value())
//	}
//	err = it.Err()
type Iterator struct {
	remote *Proxy
	key    any
	val    any
	err    error
	done   bool
	moved  bool
}

func newIterator(remote *Proxy) *Iterator {
	return &Iterator{remote: remote}
}

// Next advances to the next element and reports whether there is one.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if it.moved {
		res, err := it.remote.Call(ctx, "moveForward")
		if err != nil {
			return it.stop(err)
		}
		if p, ok := res.(*Proxy); ok {
			p.Release()
		}
	}
	it.moved = true

	more, err := it.remote.Call(ctx, "hasMore")
	if err != nil {
		return it.stop(err)
	}
	if p, ok := more.(*Proxy); ok {
		// boxed when the session prefers references
		more, err = it.remote.s.Cast(ctx, p, "B")
		p.Release()
		if err != nil {
			return it.stop(err)
		}
	}
	if b, _ := more.(bool); !b {
		return it.stop(nil)
	}
	if it.key, err = it.remote.Call(ctx, "currentKey"); err != nil {
		return it.stop(err)
	}
	if it.val, err = it.remote.Call(ctx, "currentData"); err != nil {
		return it.stop(err)
	}
	return true
}

func (it *Iterator) stop(err error) bool {
	it.err = err
	it.done = true
	it.key, it.val = nil, nil
	it.remote.Release()
	return false
}

func (it *Iterator) Key() any { return it.key }

func (it *Iterator) Value() any { return it.val }

func (it *Iterator) Err() error { return it.err }

// Close releases the remote iterator before the end is reached.
func (it *Iterator) Close() {
	if !it.done {
		it.stop(nil)
	}
}

// All adapts the iterator to a range-over-func sequence. Errors are
// reported by Err afterwards.
func (it *Iterator) All(ctx context.Context) iter.Seq2[any, any] {
	return func(yield func(any, any) bool) {
		defer it.Close()
		for it.Next(ctx) {
			if !yield(it.key, it.val) {
				return
			}
		}
	}
}
