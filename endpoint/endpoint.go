// Package endpoint provides the addressable message sockets RPC clients and services talk
// through.
//
// An Endpoint exchanges multipart messages (ordered lists of byte frames). It comes in two
// flavors:
//
//	Requestor  sends to the most recently connected peer, receives from every peer
//	Responder  prefixes each received message with a routing frame naming its origin,
//	           and consumes that frame on Send to route the reply back
//
// Recv blocks for the lifetime of the endpoint: it survives Reset (continuing on the fresh
// socket generation) and only returns ErrClosed once Close is called.
package endpoint

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrClosed      = errors.New("endpoint: closed")
	ErrNoPeer      = errors.New("endpoint: no peer to send to")
	ErrRecvTimeout = errors.New("endpoint: receive timed out")
)

type Role int

const (
	Requestor Role = iota
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "requestor"
}

type Endpoint interface {
	Bind(url string) error
	Connect(url string) error
	Send(frames [][]byte) error
	Recv() ([][]byte, error)
	// Reset drops every bind and connection and starts over with a fresh socket.
	Reset() error
	Close() error
	IsReady() bool
	BoundURLs() []string
}

// PortBinder is implemented by endpoints that can bind to the first free port of a range.
type PortBinder interface {
	// BindPorts binds host on the first free port in [minPort, maxPort] and returns it.
	// A zero range asks the system for any free port.
	BindPorts(host string, minPort, maxPort int) (int, error)
}

type Options struct {
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	RecvTimeout       time.Duration // zero blocks forever
	InboxSize         int
	Logger            *zap.Logger

	// SQS only.
	QueuePrefix     string
	WaitTimeSeconds int64
}

func DefaultOptions() *Options {
	return &Options{
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       5 * time.Second,
		InboxSize:         1024,
		QueuePrefix:       "mqrpc-reply-",
		WaitTimeSeconds:   20,
	}
}

func parseOptions(opts ...*Options) *Options {
	o := DefaultOptions()
	if len(opts) == 0 || opts[0] == nil {
		o.Logger = zap.NewNop()
		return o
	}
	in := opts[0]
	if in.HeartbeatInterval > 0 {
		o.HeartbeatInterval = in.HeartbeatInterval
	}
	if in.DialTimeout > 0 {
		o.DialTimeout = in.DialTimeout
	}
	if in.RecvTimeout > 0 {
		o.RecvTimeout = in.RecvTimeout
	}
	if in.InboxSize > 0 {
		o.InboxSize = in.InboxSize
	}
	if in.QueuePrefix != "" {
		o.QueuePrefix = in.QueuePrefix
	}
	if in.WaitTimeSeconds > 0 {
		o.WaitTimeSeconds = in.WaitTimeSeconds
	}
	o.Logger = in.Logger
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// binding tracks readiness and the urls bound or connected since the last reset.
type binding struct {
	ready bool
	urls  []string
}

func (b *binding) add(url string) {
	b.ready = true
	b.urls = append(b.urls, url)
}

func (b *binding) clear() {
	b.ready = false
	b.urls = nil
}

func (b *binding) snapshot() []string {
	return append([]string(nil), b.urls...)
}

// inbox buffers received messages of one socket generation.
type inbox struct {
	ch   chan [][]byte
	done chan struct{}
	once sync.Once
}

func newInbox(size int) *inbox {
	return &inbox{ch: make(chan [][]byte, size), done: make(chan struct{})}
}

func (b *inbox) put(frames [][]byte) bool {
	select {
	case b.ch <- frames:
		return true
	case <-b.done:
		return false
	}
}

func (b *inbox) shut() {
	b.once.Do(func() { close(b.done) })
}

func (b *inbox) isShut() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// recv waits on the current generation's inbox, following generations across resets.
// current returns nil once the endpoint is closed.
func recv(current func() *inbox, timeout time.Duration) ([][]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		in := current()
		if in == nil {
			return nil, ErrClosed
		}
		select {
		case frames := <-in.ch:
			if in.isShut() {
				continue
			}
			return frames, nil
		case <-in.done:
		case <-expired:
			return nil, ErrRecvTimeout
		}
	}
}

// Open builds an endpoint for a transport name ("tcp" or "sqs"). The sqs transport needs
// an SQS client; use NewSQSEndpoint with NewSQSClient for it.
func Open(transport string, role Role, opts ...*Options) (Endpoint, error) {
	switch strings.ToLower(transport) {
	case "", "tcp":
		return NewTCPEndpoint(role, opts...), nil
	}
	return nil, fmt.Errorf("endpoint: unsupported transport %q", transport)
}
