package middleware

import (
	"context"
	"runtime/debug"
	"time"

	"mqrpc/rpcerr"
)

type outcome struct {
	result any
	err    error
}

// TimeOutMiddleware fails a call that runs longer than timeout. The procedure keeps
// running in the background; its context is cancelled so it can give up early.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{err: rpcerr.FromPanic(r, debug.Stack())}
					}
				}()
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, rpcerr.Errorf(rpcerr.KindTimeout, "%s did not finish within %s", call.Method, timeout)
			}
		}
	}
}
