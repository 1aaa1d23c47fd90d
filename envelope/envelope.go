// Package envelope defines the frames exchanged between RPC clients and services.
//
// Every message is an ordered list of opaque frames:
//
//	request: [routing prefix...] "|" <correlation id> <method>        <arg frames...>
//	reply:   [routing prefix...] "|" <correlation id> SUCCESS|FAILURE <payload frames...>
//
// The routing prefix only exists on the service side of the wire; a Responder endpoint
// adds it on receive and consumes it on send.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/blang/semver"
	uuid "github.com/satori/go.uuid"

	"mqrpc/rpcerr"
)

// Separator marks the end of the routing prefix.
var Separator = []byte("|")

// Version is the envelope protocol version served by the _version built-in.
var Version = semver.MustParse("1.0.0")

// Compatible reports whether a peer speaking remote can exchange envelopes with us.
func Compatible(remote semver.Version) bool {
	return remote.Major == Version.Major
}

// Status is the outcome carried by a reply.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// NewID returns a fresh 128-bit correlation id.
func NewID() string {
	return uuid.NewV4().String()
}

// Request is one call as seen on the wire.
type Request struct {
	Prefix  [][]byte
	ID      string
	Method  string
	Payload [][]byte
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(method string, payload [][]byte) *Request {
	return &Request{ID: NewID(), Method: method, Payload: payload}
}

// Frames assembles the request as prefix + [separator, id, method] + payload.
func (r *Request) Frames() [][]byte {
	return assemble(r.Prefix, r.ID, r.Method, r.Payload)
}

// ParseRequest splits frames received by a service.
func ParseRequest(frames [][]byte) (*Request, error) {
	prefix, id, method, payload, err := split(frames)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, &rpcerr.ProtocolError{Reason: "empty correlation id"}
	}
	return &Request{Prefix: prefix, ID: id, Method: method, Payload: payload}, nil
}

// Reply answers exactly one Request.
type Reply struct {
	Prefix  [][]byte
	ID      string
	Status  Status
	Payload [][]byte
}

// SuccessReply answers req with result frames.
func SuccessReply(req *Request, payload [][]byte) *Reply {
	return &Reply{Prefix: req.Prefix, ID: req.ID, Status: StatusSuccess, Payload: payload}
}

// FailureReply answers req with a single structured error frame.
func FailureReply(req *Request, rec *ErrorRecord) (*Reply, error) {
	frame, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &Reply{Prefix: req.Prefix, ID: req.ID, Status: StatusFailure, Payload: [][]byte{frame}}, nil
}

// Frames assembles the reply as prefix + [separator, id, status] + payload.
func (r *Reply) Frames() [][]byte {
	return assemble(r.Prefix, r.ID, string(r.Status), r.Payload)
}

// ParseReply splits frames received by a client.
func ParseReply(frames [][]byte) (*Reply, error) {
	prefix, id, status, payload, err := split(frames)
	if err != nil {
		return nil, err
	}
	switch Status(status) {
	case StatusSuccess, StatusFailure:
	default:
		return nil, &rpcerr.ProtocolError{Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return &Reply{Prefix: prefix, ID: id, Status: Status(status), Payload: payload}, nil
}

// ErrorRecord is the structured form of a remote failure.
type ErrorRecord struct {
	Kind      string `json:"error_kind"`
	Message   string `json:"error_message"`
	Traceback string `json:"remote_traceback"`
}

// NewErrorRecord captures err the way a service reports it.
func NewErrorRecord(err error) *ErrorRecord {
	return &ErrorRecord{
		Kind:      rpcerr.KindOf(err),
		Message:   rpcerr.MessageOf(err),
		Traceback: rpcerr.Traceback(err),
	}
}

// Err converts the record into the error callers receive.
func (e *ErrorRecord) Err() *rpcerr.RemoteError {
	return &rpcerr.RemoteError{
		ErrorKind:       e.Kind,
		ErrorMessage:    e.Message,
		RemoteTraceback: e.Traceback,
	}
}

// ErrorRecord decodes the payload of a FAILURE reply.
func (r *Reply) ErrorRecord() (*ErrorRecord, error) {
	if r.Status != StatusFailure {
		return nil, &rpcerr.ProtocolError{Reason: "error record requested from " + string(r.Status) + " reply"}
	}
	if len(r.Payload) != 1 {
		return nil, &rpcerr.ProtocolError{Reason: fmt.Sprintf("failure reply carries %d frames, want 1", len(r.Payload))}
	}
	rec := &ErrorRecord{}
	if err := json.Unmarshal(r.Payload[0], rec); err != nil {
		return nil, &rpcerr.ProtocolError{Reason: "undecodable error record: " + err.Error()}
	}
	return rec, nil
}

func assemble(prefix [][]byte, id, verb string, payload [][]byte) [][]byte {
	frames := make([][]byte, 0, len(prefix)+3+len(payload))
	frames = append(frames, prefix...)
	frames = append(frames, Separator, []byte(id), []byte(verb))
	return append(frames, payload...)
}

func split(frames [][]byte) (prefix [][]byte, id, verb string, payload [][]byte, err error) {
	sep := -1
	for i, f := range frames {
		if bytes.Equal(f, Separator) {
			sep = i
			break
		}
	}
	if sep < 0 {
		err = &rpcerr.ProtocolError{Reason: "missing separator"}
		return
	}
	rest := frames[sep+1:]
	if len(rest) < 2 {
		err = &rpcerr.ProtocolError{Reason: fmt.Sprintf("truncated envelope: %d frames after separator", len(rest))}
		return
	}
	if sep > 0 {
		prefix = append([][]byte(nil), frames[:sep]...)
	}
	id = string(rest[0])
	verb = string(rest[1])
	payload = rest[2:]
	return
}
