package middleware

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware abandons an invocation that outlives timeout. The
// abandoned handler keeps running, so it must not share unsynchronized state
// with the caller; do not use it around reverse calls that re-enter a
// session.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				v   any
				err error
			}
			done := make(chan result, 1)
			go func() {
				v, err := next(ctx, req)
				done <- result{v, err}
			}()

			select {
			case r := <-done:
				return r.v, r.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
