package client

import (
	"context"
	"time"
)

// Method is a remote procedure bound to a blocking Client.
type Method struct {
	c    *Client
	name string
}

func (m *Method) Name() string { return m.name }

func (m *Method) Call(args ...any) (any, error) {
	return m.c.Call(m.name, args...)
}

// CoMethod is a remote procedure bound to a CoClient.
type CoMethod struct {
	c    *CoClient
	name string
}

func (m *CoMethod) Name() string { return m.name }

func (m *CoMethod) Call(ctx context.Context, args ...any) (any, error) {
	return m.c.Call(ctx, m.name, args...)
}

func (m *CoMethod) CallTimeout(timeout time.Duration, args ...any) (any, error) {
	return m.c.CallTimeout(m.name, timeout, args...)
}

// AsyncMethod is a remote procedure bound to an AsyncClient.
type AsyncMethod struct {
	c    *AsyncClient
	name string
}

func (m *AsyncMethod) Name() string { return m.name }

func (m *AsyncMethod) Go(timeout time.Duration, done func(Result), args ...any) error {
	return m.c.Go(m.name, timeout, done, args...)
}

func (m *AsyncMethod) Call(onSuccess func(any), onFailure func(error), timeout time.Duration, args ...any) error {
	return m.c.Call(m.name, onSuccess, onFailure, timeout, args...)
}
