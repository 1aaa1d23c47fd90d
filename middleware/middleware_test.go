package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mqrpc/rpcerr"
)

func echoHandler(ctx context.Context, call *Call) (any, error) {
	return call.Args, nil
}

func slowHandler(ctx context.Context, call *Call) (any, error) {
	time.Sleep(200 * time.Millisecond)
	return "ok", nil
}

func failingHandler(ctx context.Context, call *Call) (any, error) {
	return nil, rpcerr.New("ValueError", "bad input")
}

func newCall() *Call {
	return &Call{ID: "id-1", Method: "Arith.Add", Args: []any{1.0, 2.0}, Kwargs: map[string]any{}}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	result, err := LoggingMiddleware(log)(echoHandler)(context.Background(), newCall())
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, result)

	_, err = LoggingMiddleware(log)(failingHandler)(context.Background(), newCall())
	require.Error(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "call done", entries[0].Message)
	assert.Equal(t, "call failed", entries[1].Message)
	assert.Equal(t, "ValueError", entries[1].ContextMap()["kind"])
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	_, err := handler(context.Background(), newCall())
	assert.NoError(t, err)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), newCall())
	require.Error(t, err)
	assert.Equal(t, rpcerr.KindTimeout, rpcerr.KindOf(err))
}

func TestTimeoutRecoversPanic(t *testing.T) {
	handler := TimeOutMiddleware(time.Second)(func(ctx context.Context, call *Call) (any, error) {
		panic("boom")
	})

	_, err := handler(context.Background(), newCall())
	require.Error(t, err)
	assert.Equal(t, rpcerr.KindPanic, rpcerr.KindOf(err))
	assert.Contains(t, rpcerr.Traceback(err), "goroutine")
}

func TestRateLimit(t *testing.T) {
	// burst of 2, the third immediate call is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), newCall())
		require.NoError(t, err, "request %d", i)
	}

	_, err := handler(context.Background(), newCall())
	require.Error(t, err)
	assert.Equal(t, rpcerr.KindRateLimit, rpcerr.KindOf(err))
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *Call) (any, error) {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	handler := Chain(tag("outer"), tag("inner"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	_, err := handler(context.Background(), newCall())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestChainPassesErrors(t *testing.T) {
	handler := Chain(LoggingMiddleware(zap.NewNop()))(failingHandler)

	_, err := handler(context.Background(), newCall())
	var kinded *rpcerr.Error
	require.True(t, errors.As(err, &kinded))
	assert.Equal(t, "bad input", kinded.Message())
}
