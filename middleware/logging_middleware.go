package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mqrpc/rpcerr"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.String("id", call.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("call failed", append(fields, zap.String("kind", rpcerr.KindOf(err)), zap.Error(err))...)
			} else {
				log.Debug("call done", fields...)
			}
			return result, err
		}
	}
}
