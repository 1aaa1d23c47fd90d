package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mqrpc/codec"
	"mqrpc/endpoint"
	"mqrpc/envelope"
	"mqrpc/rpcerr"
	"mqrpc/server"
)

var testProcedures = []server.Entry{
	{Name: "echo", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, rpcerr.Errorf("TypeError", "echo takes 1 argument, got %d", len(args))
		}
		return args[0], nil
	}},
	{Name: "add", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		sum := 0.0
		for _, a := range args {
			sum += a.(float64)
		}
		if extra, ok := kwargs["extra"].(float64); ok {
			sum += extra
		}
		return sum, nil
	}},
	{Name: "divide", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		a, b := args[0].(float64), args[1].(float64)
		if b == 0 {
			return nil, rpcerr.New("ZeroDivisionError", "division by zero")
		}
		return a / b, nil
	}},
	{Name: "sleep", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		time.Sleep(time.Duration(args[0].(float64) * float64(time.Second)))
		return "slept", nil
	}},
}

// startService serves testProcedures on a loopback port and returns its url.
func startService(t testing.TB, opts ...*server.Options) string {
	t.Helper()
	svc := server.NewService(endpoint.NewTCPEndpoint(endpoint.Responder), opts...)
	require.NoError(t, svc.RegisterTable(testProcedures))
	port, err := svc.BindPorts("127.0.0.1", 0, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { svc.Close() })
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

// silentService binds a responder that never answers on its own; tests read requests
// from it and reply by hand.
func silentService(t testing.TB) (*endpoint.TCPEndpoint, string) {
	t.Helper()
	ep := endpoint.NewTCPEndpoint(endpoint.Responder)
	port, err := ep.BindPorts("127.0.0.1", 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep, fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

func nextRequest(t testing.TB, ep endpoint.Endpoint) *envelope.Request {
	t.Helper()
	ch := make(chan *envelope.Request, 1)
	go func() {
		frames, err := ep.Recv()
		if err != nil {
			return
		}
		req, err := envelope.ParseRequest(frames)
		if err == nil {
			ch <- req
		}
	}()
	select {
	case req := <-ch:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("no request arrived")
		return nil
	}
}

func replySuccess(t testing.TB, ep endpoint.Endpoint, req *envelope.Request, v any) {
	t.Helper()
	payload, err := (&codec.JSONCodec{}).EncodeResult(v)
	require.NoError(t, err)
	require.NoError(t, ep.Send(envelope.SuccessReply(req, payload).Frames()))
}
