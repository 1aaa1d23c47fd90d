// Package rpcerr holds the error taxonomy shared by clients, services and endpoints.
//
// Local failures (not ready, malformed envelopes, timeouts) are plain Go errors.
// Failures raised by a remote procedure come back as *RemoteError, which carries the
// remote error kind, message and traceback instead of the original error type.
package rpcerr

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotReady is returned when a socket is used before any bind or connect.
	ErrNotReady = errors.New("rpc: socket not ready, bind or connect first")
	// ErrAlreadyStarted is returned by a second Start on a serving service.
	ErrAlreadyStarted = errors.New("rpc: service already started")
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("rpc: call timed out")
)

// Error kinds produced by the framework itself.
const (
	KindNotImplemented = "NotImplementedError"
	KindCodec          = "CodecError"
	KindTimeout        = "TimeoutError"
	KindRateLimit      = "RateLimitError"
	KindPanic          = "Panic"
)

// Error is a kinded error. Procedures return it to control the error_kind a caller sees.
type Error struct {
	kind    string
	message string
	stack   []byte // set for recovered panics
}

// New returns a kinded error annotated with the caller's stack.
func New(kind, message string) error {
	return errors.WithStack(&Error{kind: kind, message: message})
}

// Errorf is New with a format string.
func Errorf(kind, format string, args ...interface{}) error {
	return errors.WithStack(&Error{kind: kind, message: fmt.Sprintf(format, args...)})
}

// FromPanic converts a recovered panic value into a kinded error keeping the panic stack.
func FromPanic(v interface{}, stack []byte) error {
	return &Error{kind: KindPanic, message: fmt.Sprint(v), stack: stack}
}

func (e *Error) Kind() string    { return e.kind }
func (e *Error) Message() string { return e.message }

func (e *Error) Error() string {
	return e.kind + ": " + e.message
}

// ProtocolError reports a malformed envelope: missing separator, truncated frames,
// unknown status.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "rpc: protocol error: " + e.Reason
}

// RemoteError is a failure raised by the remote procedure.
type RemoteError struct {
	ErrorKind       string
	ErrorMessage    string
	RemoteTraceback string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s", e.ErrorKind, e.ErrorMessage)
}

// Kind lets a service that forwards a remote failure keep the original kind.
func (e *RemoteError) Kind() string { return e.ErrorKind }

// TimeoutError is returned when no reply arrived within the caller's window.
type TimeoutError struct {
	Method string
	ID     string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("rpc: call %s [%s] timed out after %s", e.Method, e.ID, e.After)
	}
	return fmt.Sprintf("rpc: call %s [%s] timed out", e.Method, e.ID)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type kinder interface {
	Kind() string
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// KindOf names the kind of err: the Kind() of the first kinded error in the chain,
// otherwise the type name of the root cause.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	if nilValue(err) {
		return typeName(reflect.TypeOf(err))
	}
	var k kinder
	if errors.As(err, &k) && !nilValue(k) {
		return k.Kind()
	}
	return typeName(reflect.TypeOf(rootCause(err)))
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}

// MessageOf returns the message of err without the kind prefix *Error adds.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if nilValue(err) {
		return fmt.Sprintf("nil %T returned as error", err)
	}
	var e *Error
	if errors.As(err, &e) && e != nil && errors.Cause(err) == error(e) {
		return e.message
	}
	var re *RemoteError
	if errors.As(err, &re) && re != nil {
		return re.ErrorMessage
	}
	return err.Error()
}

// Traceback returns the best stack available for err. When err carries none, the
// stack of the calling goroutine is used.
func Traceback(err error) string {
	if nilValue(err) {
		return string(debug.Stack())
	}
	var e *Error
	if errors.As(err, &e) && e != nil && e.stack != nil {
		return string(e.stack)
	}
	var re *RemoteError
	if errors.As(err, &re) && re != nil {
		return re.RemoteTraceback
	}
	var st stackTracer
	if errors.As(err, &st) {
		return fmt.Sprintf("%+v", err)
	}
	return string(debug.Stack())
}

type causer interface {
	Cause() error
}

// rootCause follows Cause and Unwrap links down to the last non-nil error.
func rootCause(err error) error {
	for !nilValue(err) {
		var next error
		if c, ok := err.(causer); ok {
			next = c.Cause()
		} else {
			next = errors.Unwrap(err)
		}
		if next == nil {
			break
		}
		err = next
	}
	return err
}

// nilValue reports whether v is a nil pointer stored in a non-nil interface.
func nilValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
