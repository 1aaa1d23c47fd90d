package client

import (
	"sync"

	"github.com/blang/semver"
	"go.uber.org/zap"

	"mqrpc/endpoint"
	"mqrpc/envelope"
)

// Client makes blocking calls. Calls from several goroutines are serialized.
type Client struct {
	base
	mu sync.Mutex
}

func NewClient(ep endpoint.Endpoint, opts ...*Options) *Client {
	return &Client{base: newBase(ep, "client", parseOptions(opts...))}
}

// Call invokes method remotely and waits for its reply. A trailing Kwargs argument is sent
// as keyword arguments.
//
// Without a read timeout on the endpoint, Call waits until the reply arrives or the
// endpoint is closed.
func (c *Client) Call(method string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := c.buildRequest(method, args)
	if err != nil {
		return nil, err
	}
	if err := c.send(req); err != nil {
		return nil, err
	}

	for {
		frames, err := c.ep.Recv()
		if err != nil {
			return nil, err
		}
		rep, err := envelope.ParseReply(frames)
		if err != nil {
			return nil, err
		}
		if rep.ID != req.ID {
			// left over from a call that gave up on a read timeout
			c.log.Info("skipping stale reply", zap.String("id", rep.ID), zap.String("waiting", req.ID))
			continue
		}
		r := c.decode(rep)
		return r.Value, r.Err
	}
}

// ServerVersion asks the service for its protocol version.
func (c *Client) ServerVersion() (semver.Version, error) {
	v, err := c.Call("_version")
	if err != nil {
		return semver.Version{}, err
	}
	return parseVersion(v)
}

func (c *Client) Method(name string) *Method {
	return &Method{c: c, name: name}
}

func (c *Client) Close() error {
	return c.ep.Close()
}
