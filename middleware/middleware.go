// Package middleware wraps the service's procedure dispatch.
package middleware

import (
	"context"
)

// Call is one decoded request as seen by the dispatch chain.
type Call struct {
	ID     string
	Method string
	Args   []any
	Kwargs map[string]any
}

type HandlerFunc func(ctx context.Context, call *Call) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
