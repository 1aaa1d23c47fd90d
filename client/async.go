package client

import (
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"mqrpc/endpoint"
	"mqrpc/envelope"
	"mqrpc/eventloop"
	"mqrpc/rpcerr"
)

// AsyncClient makes calls whose completions run on an event loop.
//
// The pending table and the expired-id cache belong to the loop goroutine.
type AsyncClient struct {
	base
	loop *eventloop.Loop

	pending map[string]*asyncCall
	expired *lru.Cache
	orphans int64
}

type asyncCall struct {
	method string
	done   func(Result)
	timer  *eventloop.Timer
}

// NewAsyncClient starts delivering replies received on ep to loop.
func NewAsyncClient(ep endpoint.Endpoint, loop *eventloop.Loop, opts ...*Options) *AsyncClient {
	o := parseOptions(opts...)
	c := &AsyncClient{
		base:    newBase(ep, "async-client", o),
		loop:    loop,
		pending: make(map[string]*asyncCall),
		expired: lru.New(o.ExpiredCacheSize),
	}
	loop.Watch(ep, c.onReply)
	return c
}

// Go issues a call and returns at once. done runs on the loop with the reply or, if
// timeout is positive and elapses first, with a *rpcerr.TimeoutError. A zero timeout waits
// forever.
func (c *AsyncClient) Go(method string, timeout time.Duration, done func(Result), args ...any) error {
	if !c.IsReady() {
		return rpcerr.ErrNotReady
	}
	req, err := c.buildRequest(method, args)
	if err != nil {
		return err
	}
	if !c.loop.Post(func() { c.issue(req, timeout, done) }) {
		return eventloop.ErrStopped
	}
	return nil
}

// Call is Go with separate success and failure handlers; either may be nil.
func (c *AsyncClient) Call(method string, onSuccess func(any), onFailure func(error), timeout time.Duration, args ...any) error {
	return c.Go(method, timeout, func(r Result) {
		if r.Err != nil {
			if onFailure != nil {
				onFailure(r.Err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess(r.Value)
		}
	}, args...)
}

func (c *AsyncClient) issue(req *envelope.Request, timeout time.Duration, done func(Result)) {
	call := &asyncCall{method: req.Method, done: done}
	c.pending[req.ID] = call
	if timeout > 0 {
		call.timer = c.loop.AfterFunc(timeout, func() { c.expire(req.ID, timeout) })
	}
	if err := c.send(req); err != nil {
		delete(c.pending, req.ID)
		if call.timer != nil {
			call.timer.Stop()
		}
		c.complete(call, Result{Err: err})
	}
}

func (c *AsyncClient) expire(id string, after time.Duration) {
	call, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	c.expired.Add(id, call.method)
	c.complete(call, Result{Err: &rpcerr.TimeoutError{Method: call.method, ID: id, After: after}})
}

func (c *AsyncClient) onReply(frames [][]byte) {
	rep, err := envelope.ParseReply(frames)
	if err != nil {
		c.log.Warn("dropping malformed reply", zap.Error(err))
		return
	}
	call, ok := c.pending[rep.ID]
	if !ok {
		atomic.AddInt64(&c.orphans, 1)
		if method, late := c.expired.Get(rep.ID); late {
			c.log.Info("dropping late reply", zap.String("id", rep.ID), zap.Any("method", method))
		} else {
			c.log.Warn("dropping reply for unknown call", zap.String("id", rep.ID))
		}
		return
	}
	delete(c.pending, rep.ID)
	if call.timer != nil {
		call.timer.Stop()
	}
	c.complete(call, c.decode(rep))
}

func (c *AsyncClient) complete(call *asyncCall, r Result) {
	if call.done != nil {
		call.done(r)
	}
}

// Orphans counts replies dropped because no call was waiting for them.
func (c *AsyncClient) Orphans() int64 {
	return atomic.LoadInt64(&c.orphans)
}

func (c *AsyncClient) Method(name string) *AsyncMethod {
	return &AsyncMethod{c: c, name: name}
}

// Close closes the endpoint. Calls still pending are never completed unless they time
// out.
func (c *AsyncClient) Close() error {
	return c.ep.Close()
}
