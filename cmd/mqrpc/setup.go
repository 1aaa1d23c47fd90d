package main

import (
	"context"
	"math"
	"time"

	"github.com/blang/semver"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mqrpc/client"
	"mqrpc/codec"
	"mqrpc/conf"
	"mqrpc/endpoint"
	"mqrpc/eventloop"
	"mqrpc/middleware"
	"mqrpc/rpcerr"
	"mqrpc/server"
)

func endpointOptions(cfg *conf.Config, log *zap.Logger) *endpoint.Options {
	return &endpoint.Options{
		HeartbeatInterval: cfg.Endpoint.HeartbeatInterval.Duration,
		DialTimeout:       cfg.Endpoint.DialTimeout.Duration,
		InboxSize:         cfg.Endpoint.InboxSize,
		QueuePrefix:       cfg.SQS.QueuePrefix,
		Logger:            log,
	}
}

func newEndpoint(cfg *conf.Config, role endpoint.Role, opts *endpoint.Options) (endpoint.Endpoint, error) {
	if cfg.Transport == "sqs" {
		api, err := endpoint.NewSQSClient(cfg.SQS.Region, cfg.SQS.Endpoint)
		if err != nil {
			return nil, errors.Wrap(err, "sqs client")
		}
		return endpoint.NewSQSEndpoint(api, role, opts), nil
	}
	return endpoint.Open(cfg.Transport, role, opts)
}

// newService builds an unbound service with the demo procedures and the configured
// middleware.
func newService(cfg *conf.Config, log *zap.Logger) (*server.Service, error) {
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	ep, err := newEndpoint(cfg, endpoint.Responder, endpointOptions(cfg, log))
	if err != nil {
		return nil, err
	}
	svc := server.NewService(ep, &server.Options{Codec: cdc, Logger: log})
	if err := svc.RegisterTable(demoProcedures); err != nil {
		ep.Close()
		return nil, err
	}
	svc.Use(middleware.LoggingMiddleware(log))
	if cfg.Service.RateLimit > 0 {
		svc.Use(middleware.RateLimitMiddleware(cfg.Service.RateLimit, cfg.Service.Burst))
	}
	if cfg.Service.Timeout.Duration > 0 {
		svc.Use(middleware.TimeOutMiddleware(cfg.Service.Timeout.Duration))
	}
	return svc, nil
}

type connector interface {
	Connect(url string) error
}

func connectAll(c connector, urls []string) error {
	if len(urls) == 0 {
		return errors.New("nothing to connect to: pass --connect or set Client.Connect")
	}
	for _, url := range urls {
		if err := c.Connect(url); err != nil {
			return errors.Wrapf(err, "connect %s", url)
		}
	}
	return nil
}

// invoke makes one call with the client flavor named by cfg.Client.Mode.
func invoke(cfg *conf.Config, log *zap.Logger, urls []string, method string, args []any) (any, error) {
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	opts := &client.Options{Codec: cdc, Logger: log}
	timeout := cfg.Client.Timeout.Duration

	switch cfg.Client.Mode {
	case "co":
		ep, err := newEndpoint(cfg, endpoint.Requestor, endpointOptions(cfg, log))
		if err != nil {
			return nil, err
		}
		c := client.NewCoClient(ep, opts)
		defer c.Close()
		if err := connectAll(c, urls); err != nil {
			return nil, err
		}
		return c.CallTimeout(method, timeout, args...)

	case "async":
		ep, err := newEndpoint(cfg, endpoint.Requestor, endpointOptions(cfg, log))
		if err != nil {
			return nil, err
		}
		loop := eventloop.New(log)
		c := client.NewAsyncClient(ep, loop, opts)
		defer c.Close()
		if err := connectAll(c, urls); err != nil {
			return nil, err
		}
		var r client.Result
		err = c.Go(method, timeout, func(res client.Result) {
			r = res
			loop.Stop()
		}, args...)
		if err != nil {
			return nil, err
		}
		loop.Run()
		return r.Value, r.Err

	default:
		eo := endpointOptions(cfg, log)
		eo.RecvTimeout = timeout
		ep, err := newEndpoint(cfg, endpoint.Requestor, eo)
		if err != nil {
			return nil, err
		}
		c := client.NewClient(ep, opts)
		defer c.Close()
		if err := connectAll(c, urls); err != nil {
			return nil, err
		}
		return c.Call(method, args...)
	}
}

func ping(cfg *conf.Config, log *zap.Logger, urls []string) (semver.Version, error) {
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return semver.Version{}, err
	}
	ep, err := newEndpoint(cfg, endpoint.Requestor, endpointOptions(cfg, log))
	if err != nil {
		return semver.Version{}, err
	}
	c := client.NewCoClient(ep, &client.Options{Codec: cdc, Logger: log})
	defer c.Close()
	if err := connectAll(c, urls); err != nil {
		return semver.Version{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout.Duration)
	defer cancel()
	if _, err := c.Call(ctx, "_ping"); err != nil {
		return semver.Version{}, err
	}
	return c.ServerVersion(ctx)
}

func number(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, rpcerr.Errorf("TypeError", "missing argument %d", i)
	}
	f, ok := args[i].(float64)
	if !ok {
		return 0, rpcerr.Errorf("TypeError", "argument %d is %T, not a number", i, args[i])
	}
	return f, nil
}

var demoProcedures = []server.Entry{
	{Name: "echo", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) == 1 {
			return args[0], nil
		}
		return args, nil
	}},
	{Name: "add", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		sum := 0.0
		for i := range args {
			f, err := number(args, i)
			if err != nil {
				return nil, err
			}
			sum += f
		}
		return sum, nil
	}},
	{Name: "divide", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		a, err := number(args, 0)
		if err != nil {
			return nil, err
		}
		b, err := number(args, 1)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, rpcerr.New("ZeroDivisionError", "division by zero")
		}
		return a / b, nil
	}},
	{Name: "sleep", Proc: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		secs, err := number(args, 0)
		if err != nil {
			return nil, err
		}
		d := time.Duration(math.Max(secs, 0) * float64(time.Second))
		select {
		case <-time.After(d):
			return secs, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}},
}
