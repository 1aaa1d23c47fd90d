// Package eventloop runs callbacks one at a time on a single goroutine.
//
// Callbacks are queued FIFO without bound. Timers and watched endpoints never run user code
// on their own goroutines: they post into the loop, so everything a callback touches is
// owned by the loop goroutine and needs no locking.
package eventloop

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mqrpc/endpoint"
)

var (
	ErrRunning = errors.New("eventloop: already running")
	ErrStopped = errors.New("eventloop: stopped")
)

// Receiver is the read half of an endpoint.
type Receiver interface {
	Recv() ([][]byte, error)
}

type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
	stopped bool
}

func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{log: log.Named("eventloop")}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post queues fn. It returns false once the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Run executes queued callbacks until Stop. Callbacks still queued at Stop are dropped.
func (l *Loop) Run() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	l.mu.Unlock()

	var batch []func()
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped {
			l.queue = nil
			l.mu.Unlock()
			return nil
		}
		batch, l.queue = l.queue, batch[:0]
		l.mu.Unlock()

		for i, fn := range batch {
			l.pcall(fn)
			batch[i] = nil
		}
	}
}

// Stop ends Run after the callback in progress. Safe to call from inside a callback.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	l.cond.Broadcast()
}

func (l *Loop) pcall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 65535)
			n := runtime.Stack(buf, false)
			l.log.Error("callback panic", zap.String("panic", fmt.Sprint(r)), zap.ByteString("stack", buf[:n]))
		}
	}()
	fn()
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	t     *time.Timer
	fired bool // loop-owned
	stop  bool // loop-owned
}

// AfterFunc arranges for fn to run on the loop after d. Must be called from the loop
// goroutine, as must Stop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.stop {
				return
			}
			timer.fired = true
			fn()
		})
	})
	return timer
}

// Stop cancels the timer. It returns false if the callback already ran or the timer was
// already stopped.
func (t *Timer) Stop() bool {
	if t.fired || t.stop {
		return false
	}
	t.stop = true
	t.t.Stop()
	return true
}

// Watch reads r on a dedicated goroutine and posts every message to onData on the loop.
// It returns once r fails with anything but a read timeout (typically the endpoint being
// closed) or the loop stops accepting callbacks.
func (l *Loop) Watch(r Receiver, onData func([][]byte)) {
	go func() {
		for {
			frames, err := r.Recv()
			if err == endpoint.ErrRecvTimeout {
				continue
			}
			if err != nil {
				l.log.Debug("watch ended", zap.Error(err))
				return
			}
			if !l.Post(func() { onData(frames) }) {
				return
			}
		}
	}()
}
