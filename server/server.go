// Package server implements the RPC service: a procedure table served over a responder
// endpoint.
//
// Request processing pipeline:
//
//	reader goroutine: endpoint.Recv → inbox
//	serve loop:       inbox → envelope.ParseRequest → go handleRequest (parallel processing)
//	handleRequest:    Codec.DecodeArgs → Middleware Chain → procedure → Codec.EncodeResult → Send
//
// Every procedure error and panic is turned into a FAILURE reply at a single point, so a
// well-formed request is answered exactly once.
package server

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mqrpc/codec"
	"mqrpc/endpoint"
	"mqrpc/envelope"
	"mqrpc/middleware"
	"mqrpc/rpcerr"
)

type State int32

const (
	StateCreated State = iota
	StateReady
	StateServing
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateServing:
		return "SERVING"
	}
	return "CREATED"
}

type Options struct {
	Codec  codec.Codec
	Logger *zap.Logger
}

type Service struct {
	ep    endpoint.Endpoint
	codec codec.Codec
	log   *zap.Logger
	procs *procTable

	middlewares []middleware.Middleware

	mu       sync.Mutex
	serving  bool
	stop     chan struct{}
	loopDone chan struct{}

	readerOnce sync.Once
	inbox      chan [][]byte
	quit       chan struct{}
	quitOnce   sync.Once

	sendMu  sync.Mutex
	wg      sync.WaitGroup // in-flight requests
	dropped int64
}

// NewService wraps a responder endpoint. The built-in procedures _ping, _methods and
// _version are registered before NewService returns.
func NewService(ep endpoint.Endpoint, opts ...*Options) *Service {
	s := &Service{
		ep:    ep,
		codec: &codec.JSONCodec{},
		log:   zap.NewNop(),
		procs: newProcTable(),
		inbox: make(chan [][]byte),
		quit:  make(chan struct{}),
	}
	if len(opts) > 0 && opts[0] != nil {
		if opts[0].Codec != nil {
			s.codec = opts[0].Codec
		}
		if opts[0].Logger != nil {
			s.log = opts[0].Logger
		}
	}
	s.log = s.log.Named("service")
	s.RegisterTable(s.builtins())
	return s
}

// Register inserts or silently replaces the procedure called name and returns proc.
func (s *Service) Register(name string, proc Procedure) (Procedure, error) {
	if err := s.procs.register(name, proc); err != nil {
		return nil, err
	}
	return proc, nil
}

// RegisterTable registers every entry, stopping at the first invalid one.
func (s *Service) RegisterTable(entries []Entry) error {
	for _, e := range entries {
		if _, err := s.Register(e.Name, e.Proc); err != nil {
			return err
		}
	}
	return nil
}

// Methods lists the registered procedure names in sorted order.
func (s *Service) Methods() []string {
	return s.procs.names()
}

// Use registers a middleware. Middlewares apply in the order they are added and take
// effect at the next Start.
func (s *Service) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

func (s *Service) Bind(url string) error    { return s.ep.Bind(url) }
func (s *Service) Connect(url string) error { return s.ep.Connect(url) }
func (s *Service) Reset() error             { return s.ep.Reset() }
func (s *Service) IsReady() bool            { return s.ep.IsReady() }
func (s *Service) BoundURLs() []string      { return s.ep.BoundURLs() }

func (s *Service) BindPorts(host string, minPort, maxPort int) (int, error) {
	pb, ok := s.ep.(endpoint.PortBinder)
	if !ok {
		return 0, fmt.Errorf("rpc: endpoint %T cannot bind ports", s.ep)
	}
	return pb.BindPorts(host, minPort, maxPort)
}

func (s *Service) State() State {
	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if serving {
		return StateServing
	}
	if s.ep.IsReady() {
		return StateReady
	}
	return StateCreated
}

// Dropped counts inbound messages discarded as malformed.
func (s *Service) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Start begins serving requests on a background goroutine.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return rpcerr.ErrAlreadyStarted
	}
	if !s.ep.IsReady() {
		return rpcerr.ErrNotReady
	}

	handler := middleware.Chain(s.middlewares...)(s.businessHandler)
	s.readerOnce.Do(func() { go s.readLoop() })

	s.serving = true
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.serveLoop(handler, s.stop, s.loopDone)
	s.log.Info("serving", zap.Strings("urls", s.ep.BoundURLs()))
	return nil
}

// Stop stops taking new requests. Requests already dispatched still get their replies.
// Stop on a service that is not serving does nothing.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.serving {
		s.mu.Unlock()
		return
	}
	s.serving = false
	close(s.stop)
	done := s.loopDone
	s.mu.Unlock()

	<-done
	s.log.Info("stopped")
}

// Serve starts the service and blocks until ctx is done.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Shutdown stops serving, waits up to timeout for in-flight requests and closes the
// endpoint.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
	if cerr := s.closeEndpoint(); err == nil {
		err = cerr
	}
	return err
}

// Close stops serving and closes the endpoint without waiting.
func (s *Service) Close() error {
	s.Stop()
	return s.closeEndpoint()
}

func (s *Service) closeEndpoint() error {
	s.quitOnce.Do(func() { close(s.quit) })
	return s.ep.Close()
}

// readLoop owns endpoint.Recv for the lifetime of the service. Messages wait in the
// endpoint while the service is stopped.
func (s *Service) readLoop() {
	for {
		frames, err := s.ep.Recv()
		if err == endpoint.ErrRecvTimeout {
			continue
		}
		if err != nil {
			s.log.Debug("reader exit", zap.Error(err))
			return
		}
		select {
		case s.inbox <- frames:
		case <-s.quit:
			return
		}
	}
}

func (s *Service) serveLoop(handler middleware.HandlerFunc, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case frames := <-s.inbox:
			s.dispatch(handler, frames)
		}
	}
}

func (s *Service) dispatch(handler middleware.HandlerFunc, frames [][]byte) {
	req, err := envelope.ParseRequest(frames)
	if err != nil {
		atomic.AddInt64(&s.dropped, 1)
		s.log.Warn("dropping malformed request", zap.Error(err), zap.Int("frames", len(frames)))
		return
	}
	s.wg.Add(1)
	go s.handleRequest(handler, req)
}

func (s *Service) handleRequest(handler middleware.HandlerFunc, req *envelope.Request) {
	defer s.wg.Done()

	reply := s.process(handler, req)

	s.sendMu.Lock()
	err := s.ep.Send(reply.Frames())
	s.sendMu.Unlock()
	if err != nil {
		s.log.Warn("failed to send reply", zap.String("method", req.Method), zap.String("id", req.ID), zap.Error(err))
	}
}

// unencodableRecord answers a request whose error record could not be marshalled.
var unencodableRecord = []byte(`{"error_kind":"CodecError","error_message":"error record could not be encoded","remote_traceback":""}`)

// process produces the one reply for req. A panic while encoding the result or the error
// record still ends in a FAILURE reply.
func (s *Service) process(handler middleware.HandlerFunc, req *envelope.Request) (reply *envelope.Reply) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("building reply panicked", zap.String("method", req.Method), zap.String("id", req.ID), zap.Any("panic", r))
			reply = failureReply(req, &envelope.ErrorRecord{
				Kind:      rpcerr.KindPanic,
				Message:   fmt.Sprint(r),
				Traceback: string(debug.Stack()),
			})
		}
	}()

	result, err := s.invoke(handler, req)
	if err == nil {
		payload, encErr := s.codec.EncodeResult(result)
		if encErr == nil {
			return envelope.SuccessReply(req, payload)
		}
		err = rpcerr.Errorf(rpcerr.KindCodec, "encoding result of %s: %v", req.Method, encErr)
	}
	return failureReply(req, envelope.NewErrorRecord(err))
}

func failureReply(req *envelope.Request, rec *envelope.ErrorRecord) *envelope.Reply {
	reply, err := envelope.FailureReply(req, rec)
	if err != nil {
		return &envelope.Reply{Prefix: req.Prefix, ID: req.ID, Status: envelope.StatusFailure, Payload: [][]byte{unencodableRecord}}
	}
	return reply
}

func (s *Service) invoke(handler middleware.HandlerFunc, req *envelope.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.FromPanic(r, debug.Stack())
		}
	}()

	args, kwargs, err := s.codec.DecodeArgs(req.Payload)
	if err != nil {
		return nil, rpcerr.Errorf(rpcerr.KindCodec, "decoding arguments of %s: %v", req.Method, err)
	}
	return handler(context.Background(), &middleware.Call{
		ID:     req.ID,
		Method: req.Method,
		Args:   args,
		Kwargs: kwargs,
	})
}

// businessHandler is the innermost handler of the middleware chain.
func (s *Service) businessHandler(ctx context.Context, call *middleware.Call) (any, error) {
	proc, ok := s.procs.lookup(call.Method)
	if !ok {
		return nil, rpcerr.Errorf(rpcerr.KindNotImplemented, "method %q is not implemented", call.Method)
	}
	return proc(ctx, call.Args, call.Kwargs)
}
