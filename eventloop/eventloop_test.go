package eventloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqrpc/endpoint"
)

func runLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Run())
	}()
	t.Cleanup(func() {
		l.Stop()
		<-done
	})
	return l
}

// onLoop posts fn and waits for it to run.
func onLoop(t *testing.T, l *Loop, fn func()) {
	t.Helper()
	ran := make(chan struct{})
	require.True(t, l.Post(func() {
		fn()
		close(ran)
	}))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestPostRunsInOrder(t *testing.T) {
	l := runLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	onLoop(t, l, func() {})

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRunTwice(t *testing.T) {
	l := runLoop(t)
	onLoop(t, l, func() {})
	assert.Equal(t, ErrRunning, l.Run())
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := runLoop(t)
	l.Post(func() { panic("boom") })

	ok := false
	onLoop(t, l, func() { ok = true })
	assert.True(t, ok)
}

func TestPostAfterStop(t *testing.T) {
	l := New(nil)
	l.Stop()
	assert.False(t, l.Post(func() {}))
	assert.NoError(t, l.Run())
}

func TestStopFromCallback(t *testing.T) {
	l := New(nil)
	l.Post(func() { l.Stop() })
	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestAfterFunc(t *testing.T) {
	l := runLoop(t)

	fired := make(chan struct{})
	l.Post(func() {
		l.AfterFunc(10*time.Millisecond, func() { close(fired) })
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerStop(t *testing.T) {
	l := runLoop(t)

	var mu sync.Mutex
	fired := false
	var timer *Timer
	onLoop(t, l, func() {
		timer = l.AfterFunc(20*time.Millisecond, func() {
			mu.Lock()
			fired = true
			mu.Unlock()
		})
	})
	onLoop(t, l, func() {
		assert.True(t, timer.Stop())
		assert.False(t, timer.Stop())
	})

	time.Sleep(50 * time.Millisecond)
	onLoop(t, l, func() {})
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestTimerStopAfterFire(t *testing.T) {
	l := runLoop(t)

	fired := make(chan struct{})
	var timer *Timer
	onLoop(t, l, func() {
		timer = l.AfterFunc(time.Millisecond, func() { close(fired) })
	})
	<-fired
	onLoop(t, l, func() {
		assert.False(t, timer.Stop())
	})
}

type scriptedReceiver struct {
	msgs chan [][]byte
	errs chan error
}

func (r *scriptedReceiver) Recv() ([][]byte, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case err := <-r.errs:
		return nil, err
	}
}

func TestWatch(t *testing.T) {
	l := runLoop(t)
	r := &scriptedReceiver{msgs: make(chan [][]byte, 4), errs: make(chan error, 4)}

	got := make(chan string, 4)
	l.Watch(r, func(frames [][]byte) { got <- string(frames[0]) })

	r.msgs <- [][]byte{[]byte("a")}
	r.errs <- endpoint.ErrRecvTimeout
	r.msgs <- [][]byte{[]byte("b")}

	for _, want := range []string{"a", "b"} {
		select {
		case s := <-got:
			assert.Equal(t, want, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %q", want)
		}
	}

	r.errs <- errors.New("closed")
	time.Sleep(20 * time.Millisecond)
	r.msgs <- [][]byte{[]byte("c")}
	select {
	case s := <-got:
		t.Fatalf("unexpected delivery after watch ended: %q", s)
	case <-time.After(50 * time.Millisecond):
	}
}
