package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mqrpc/rpcerr"
)

// RateLimitMiddleware rejects calls beyond r per second (token bucket of size burst).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			if !limiter.Allow() {
				return nil, rpcerr.Errorf(rpcerr.KindRateLimit, "rate limit exceeded for %s", call.Method)
			}
			return next(ctx, call)
		}
	}
}
