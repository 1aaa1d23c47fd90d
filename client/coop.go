package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blang/semver"
	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"mqrpc/endpoint"
	"mqrpc/envelope"
	"mqrpc/rpcerr"
)

// CoClient lets many goroutines call concurrently over one endpoint. A single reader
// goroutine receives every reply and completes the future registered under its id.
type CoClient struct {
	base

	mu      sync.Mutex
	futures map[string]chan Result
	expired *lru.Cache
	closed  bool
	orphans int64
}

func NewCoClient(ep endpoint.Endpoint, opts ...*Options) *CoClient {
	o := parseOptions(opts...)
	c := &CoClient{
		base:    newBase(ep, "co-client", o),
		futures: make(map[string]chan Result),
		expired: lru.New(o.ExpiredCacheSize),
	}
	go c.readLoop()
	return c
}

// Call invokes method and blocks the calling goroutine until the reply arrives or ctx is
// done. A ctx deadline surfaces as *rpcerr.TimeoutError, other cancellation as ctx.Err().
func (c *CoClient) Call(ctx context.Context, method string, args ...any) (any, error) {
	if !c.IsReady() {
		return nil, rpcerr.ErrNotReady
	}
	req, err := c.buildRequest(method, args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	future := make(chan Result, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, endpoint.ErrClosed
	}
	c.futures[req.ID] = future
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.forget(req.ID, false)
		return nil, err
	}

	select {
	case r := <-future:
		return r.Value, r.Err
	case <-ctx.Done():
		if !c.forget(req.ID, true) {
			// the reply won the race
			r := <-future
			return r.Value, r.Err
		}
		if ctx.Err() == context.DeadlineExceeded {
			var after time.Duration
			if deadline, ok := ctx.Deadline(); ok {
				after = deadline.Sub(start)
			}
			return nil, &rpcerr.TimeoutError{Method: method, ID: req.ID, After: after}
		}
		return nil, ctx.Err()
	}
}

// CallTimeout is Call bounded by timeout.
func (c *CoClient) CallTimeout(method string, timeout time.Duration, args ...any) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Call(ctx, method, args...)
}

// forget removes the future registered for id and reports whether it was still there.
func (c *CoClient) forget(id string, expire bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.futures[id]; !ok {
		return false
	}
	delete(c.futures, id)
	if expire {
		c.expired.Add(id, struct{}{})
	}
	return true
}

func (c *CoClient) readLoop() {
	for {
		frames, err := c.ep.Recv()
		if err == endpoint.ErrRecvTimeout {
			continue
		}
		if err != nil {
			c.log.Debug("reader exit", zap.Error(err))
			return
		}
		rep, err := envelope.ParseReply(frames)
		if err != nil {
			c.log.Warn("dropping malformed reply", zap.Error(err))
			continue
		}

		c.mu.Lock()
		future, ok := c.futures[rep.ID]
		if ok {
			delete(c.futures, rep.ID)
		}
		_, late := c.expired.Get(rep.ID)
		c.mu.Unlock()

		if !ok {
			atomic.AddInt64(&c.orphans, 1)
			if late {
				c.log.Info("dropping late reply", zap.String("id", rep.ID))
			} else {
				c.log.Warn("dropping reply for unknown call", zap.String("id", rep.ID))
			}
			continue
		}
		future <- c.decode(rep)
	}
}

// Orphans counts replies dropped because no call was waiting for them.
func (c *CoClient) Orphans() int64 {
	return atomic.LoadInt64(&c.orphans)
}

// ServerVersion asks the service for its protocol version.
func (c *CoClient) ServerVersion(ctx context.Context) (semver.Version, error) {
	v, err := c.Call(ctx, "_version")
	if err != nil {
		return semver.Version{}, err
	}
	return parseVersion(v)
}

func (c *CoClient) Method(name string) *CoMethod {
	return &CoMethod{c: c, name: name}
}

// Close fails every outstanding call with endpoint.ErrClosed and closes the endpoint.
func (c *CoClient) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, future := range c.futures {
		future <- Result{Err: endpoint.ErrClosed}
		delete(c.futures, id)
	}
	c.mu.Unlock()
	return c.ep.Close()
}
