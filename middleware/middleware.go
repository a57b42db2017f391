// Package middleware wraps local invocations: reverse calls the remote side
// makes into the client, and forward calls the in-process server executes.
package middleware

import (
	"context"
)

// Request is one local invocation.
type Request struct {
	// Handle is the reference the caller used, zero for free functions.
	Handle uint64
	// Target is the receiver, nil for free functions.
	Target any
	Method string
	Args   []any
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
