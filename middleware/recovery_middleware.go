package middleware

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

var ErrPanic = errors.New("handler panicked")

// RecoveryMiddleware turns a panic into an error wrapping ErrPanic.
func RecoveryMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("invocation panicked",
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					res, err = nil, fmt.Errorf("%w: %s: %v", ErrPanic, req.Method, r)
				}
			}()
			return next(ctx, req)
		}
	}
}
