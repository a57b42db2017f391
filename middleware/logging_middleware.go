package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			res, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Uint64("handle", req.Handle),
				zap.Int("args", len(req.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Info("invocation failed", append(fields, zap.Error(err))...)
				return res, err
			}
			log.Debug("invocation", fields...)
			return res, err
		}
	}
}
