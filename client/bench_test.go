package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mqrpc/codec"
	"mqrpc/endpoint"
)

func BenchmarkSerialCall(b *testing.B) {
	c := NewClient(endpoint.NewTCPEndpoint(endpoint.Requestor))
	defer c.Close()
	require.NoError(b, c.Connect(startService(b)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Call("add", 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentCall(b *testing.B) {
	c := newCoClient(b, startService(b))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Call(context.Background(), "add", 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkAsyncCall(b *testing.B) {
	c := newAsyncClient(b, runLoop(b), startService(b))

	done := make(chan Result, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Go("add", time.Second, func(r Result) { done <- r }, 1, 2); err != nil {
			b.Fatal(err)
		}
		if r := <-done; r.Err != nil {
			b.Fatal(r.Err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, &codec.JSONCodec{})
}

func BenchmarkCodecProto(b *testing.B) {
	benchmarkCodec(b, &codec.ProtoCodec{})
}

func benchmarkCodec(b *testing.B, c codec.Codec) {
	args := []any{1.0, "two", map[string]any{"three": []any{3.0}}}
	kwargs := map[string]any{"k": "v"}
	for i := 0; i < b.N; i++ {
		frames, err := c.EncodeArgs(args, kwargs)
		if err != nil {
			b.Fatal(err)
		}
		if _, _, err := c.DecodeArgs(frames); err != nil {
			b.Fatal(err)
		}
	}
}
