// Package client implements the calling side of the RPC framework in three flavors:
//
//	Client       blocking: Call sends and reads replies until its own arrives
//	AsyncClient  event loop: Go returns at once, the completion runs on the loop
//	CoClient     cooperative: any number of goroutines call through one reader goroutine
//
// All of them correlate replies to requests by a fresh random id per call.
package client

import (
	"fmt"
	"sync"

	"github.com/blang/semver"
	"go.uber.org/zap"

	"mqrpc/codec"
	"mqrpc/endpoint"
	"mqrpc/envelope"
	"mqrpc/rpcerr"
)

// Kwargs passed as the last argument of a call carries keyword arguments.
type Kwargs map[string]any

// Result is the completion of one call: exactly one of Value or Err is meaningful.
type Result struct {
	Value any
	Err   error
}

type Options struct {
	Codec  codec.Codec
	Logger *zap.Logger
	// ExpiredCacheSize bounds how many timed out ids are remembered to recognize late
	// replies.
	ExpiredCacheSize int
}

const defaultExpiredCacheSize = 1024

func parseOptions(opts ...*Options) *Options {
	o := &Options{Codec: &codec.JSONCodec{}, Logger: zap.NewNop(), ExpiredCacheSize: defaultExpiredCacheSize}
	if len(opts) == 0 || opts[0] == nil {
		return o
	}
	if opts[0].Codec != nil {
		o.Codec = opts[0].Codec
	}
	if opts[0].Logger != nil {
		o.Logger = opts[0].Logger
	}
	if opts[0].ExpiredCacheSize > 0 {
		o.ExpiredCacheSize = opts[0].ExpiredCacheSize
	}
	return o
}

// base holds what every client flavor shares: the endpoint, the codec and request
// assembly.
type base struct {
	ep     endpoint.Endpoint
	codec  codec.Codec
	log    *zap.Logger
	sendMu sync.Mutex
}

func newBase(ep endpoint.Endpoint, name string, o *Options) base {
	return base{ep: ep, codec: o.Codec, log: o.Logger.Named(name)}
}

func (b *base) Bind(url string) error    { return b.ep.Bind(url) }
func (b *base) Connect(url string) error { return b.ep.Connect(url) }
func (b *base) Reset() error             { return b.ep.Reset() }
func (b *base) IsReady() bool            { return b.ep.IsReady() }
func (b *base) BoundURLs() []string      { return b.ep.BoundURLs() }

func (b *base) BindPorts(host string, minPort, maxPort int) (int, error) {
	pb, ok := b.ep.(endpoint.PortBinder)
	if !ok {
		return 0, fmt.Errorf("rpc: endpoint %T cannot bind ports", b.ep)
	}
	return pb.BindPorts(host, minPort, maxPort)
}

func splitArgs(args []any) ([]any, map[string]any) {
	if n := len(args); n > 0 {
		if kw, ok := args[n-1].(Kwargs); ok {
			return args[:n-1], map[string]any(kw)
		}
	}
	return args, nil
}

func (b *base) buildRequest(method string, args []any) (*envelope.Request, error) {
	positional, kwargs := splitArgs(args)
	payload, err := b.codec.EncodeArgs(positional, kwargs)
	if err != nil {
		return nil, err
	}
	return envelope.NewRequest(method, payload), nil
}

func (b *base) send(req *envelope.Request) error {
	if !b.ep.IsReady() {
		return rpcerr.ErrNotReady
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return b.ep.Send(req.Frames())
}

// decode turns a reply into the caller's result.
func (b *base) decode(rep *envelope.Reply) Result {
	if rep.Status == envelope.StatusFailure {
		rec, err := rep.ErrorRecord()
		if err != nil {
			return Result{Err: err}
		}
		return Result{Err: rec.Err()}
	}
	v, err := b.codec.DecodeResult(rep.Payload)
	if err != nil {
		return Result{Err: &rpcerr.ProtocolError{Reason: "undecodable result: " + err.Error()}}
	}
	return Result{Value: v}
}

func parseVersion(v any) (semver.Version, error) {
	s, ok := v.(string)
	if !ok {
		return semver.Version{}, fmt.Errorf("rpc: _version returned %T", v)
	}
	return semver.Parse(s)
}
