package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mqrpc/client"
	"mqrpc/conf"
	"mqrpc/envelope"
	"mqrpc/rpcerr"
)

func startDemo(t *testing.T, cfg *conf.Config) string {
	t.Helper()
	svc, err := newService(cfg, zap.NewNop())
	require.NoError(t, err)
	port, err := svc.BindPorts("127.0.0.1", 0, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { svc.Close() })
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"1", `"two"`, "three", `{"a":[1,2]}`, "true"})
	assert.Equal(t, []any{1.0, "two", "three", map[string]any{"a": []any{1.0, 2.0}}, true}, args)
}

func TestParseKwargs(t *testing.T) {
	kw, err := parseKwargs([]string{"n=3", "name=bob", "eq=a=b"})
	require.NoError(t, err)
	assert.Equal(t, client.Kwargs{"n": 3.0, "name": "bob", "eq": "a=b"}, kw)

	_, err = parseKwargs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseKwargs([]string{"=1"})
	assert.Error(t, err)
}

func TestFatalMessageKeepsPercentSigns(t *testing.T) {
	err := &rpcerr.RemoteError{ErrorKind: "ValueError", ErrorMessage: "progress at 100%d done"}
	out := fatalMessage("%s", err)
	assert.Contains(t, out, "progress at 100%d done")
	assert.NotContains(t, out, "MISSING")
}

func TestInvokeEveryMode(t *testing.T) {
	for _, codecName := range []string{"json", "proto"} {
		cfg := conf.Default()
		cfg.Codec = codecName
		url := startDemo(t, cfg)

		for _, mode := range []string{"sync", "co", "async"} {
			cfg.Client.Mode = mode
			v, err := invoke(cfg, zap.NewNop(), []string{url}, "add", []any{1, 2, 3})
			require.NoError(t, err, "%s/%s", codecName, mode)
			assert.Equal(t, 6.0, v, "%s/%s", codecName, mode)

			_, err = invoke(cfg, zap.NewNop(), []string{url}, "divide", []any{1, 0})
			var remote *rpcerr.RemoteError
			require.True(t, errors.As(err, &remote), "%s/%s", codecName, mode)
			assert.Equal(t, "ZeroDivisionError", remote.ErrorKind)
		}
	}
}

func TestInvokeTimeout(t *testing.T) {
	cfg := conf.Default()
	url := startDemo(t, cfg)
	cfg.Client.Timeout.Duration = 50 * time.Millisecond

	for _, mode := range []string{"co", "async"} {
		cfg.Client.Mode = mode
		_, err := invoke(cfg, zap.NewNop(), []string{url}, "sleep", []any{0.5})
		assert.True(t, errors.Is(err, rpcerr.ErrTimeout), mode)
	}
}

func TestServiceTimeoutMiddleware(t *testing.T) {
	cfg := conf.Default()
	cfg.Service.Timeout.Duration = 20 * time.Millisecond
	url := startDemo(t, cfg)

	_, err := invoke(cfg, zap.NewNop(), []string{url}, "sleep", []any{0.5})
	var remote *rpcerr.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, rpcerr.KindTimeout, remote.ErrorKind)
}

func TestDemoArgumentErrors(t *testing.T) {
	cfg := conf.Default()
	url := startDemo(t, cfg)

	_, err := invoke(cfg, zap.NewNop(), []string{url}, "add", []any{1, "x"})
	var remote *rpcerr.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "TypeError", remote.ErrorKind)

	v, err := invoke(cfg, zap.NewNop(), []string{url}, "echo", []any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestPing(t *testing.T) {
	cfg := conf.Default()
	url := startDemo(t, cfg)

	v, err := ping(cfg, zap.NewNop(), []string{url})
	require.NoError(t, err)
	assert.True(t, envelope.Compatible(v))
}

func TestMethodsListsDemoAndBuiltins(t *testing.T) {
	cfg := conf.Default()
	url := startDemo(t, cfg)

	v, err := invoke(cfg, zap.NewNop(), []string{url}, "_methods", nil)
	require.NoError(t, err)
	assert.Subset(t, v, []any{"add", "divide", "echo", "sleep", "_ping", "_methods", "_version"})
}

func TestNothingToConnect(t *testing.T) {
	_, err := invoke(conf.Default(), zap.NewNop(), nil, "echo", nil)
	assert.Error(t, err)
}
