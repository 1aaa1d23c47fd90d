package envelope

import (
	"errors"
	"testing"

	"github.com/blang/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqrpc/rpcerr"
)

func TestRequestFrames(t *testing.T) {
	req := NewRequest("echo", [][]byte{[]byte(`["hi"]`), []byte(`{}`)})

	frames := req.Frames()
	require.Len(t, frames, 5)
	assert.Equal(t, Separator, frames[0])
	assert.Equal(t, req.ID, string(frames[1]))
	assert.Equal(t, "echo", string(frames[2]))
	assert.Equal(t, `["hi"]`, string(frames[3]))
}

func TestParseRequestWithRoutingPrefix(t *testing.T) {
	req := NewRequest("add", [][]byte{[]byte(`[1,2]`), []byte(`{}`)})
	frames := append([][]byte{[]byte("peer-7")}, req.Frames()...)

	parsed, err := ParseRequest(frames)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("peer-7")}, parsed.Prefix)
	assert.Equal(t, req.ID, parsed.ID)
	assert.Equal(t, "add", parsed.Method)
	assert.Len(t, parsed.Payload, 2)

	// the reply keeps the prefix so the responder can route it back
	rep := SuccessReply(parsed, [][]byte{[]byte("3")})
	out := rep.Frames()
	assert.Equal(t, "peer-7", string(out[0]))
	assert.Equal(t, Separator, out[1])
	assert.Equal(t, req.ID, string(out[2]))
	assert.Equal(t, "SUCCESS", string(out[3]))
}

func TestParseMissingSeparator(t *testing.T) {
	_, err := ParseReply([][]byte{[]byte("id"), []byte("SUCCESS")})

	var perr *rpcerr.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Reason, "missing separator")
}

func TestParseTruncated(t *testing.T) {
	_, err := ParseRequest([][]byte{Separator, []byte("id")})

	var perr *rpcerr.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Reason, "truncated")
}

func TestParseUnknownStatus(t *testing.T) {
	_, err := ParseReply([][]byte{Separator, []byte("id"), []byte("MAYBE")})

	var perr *rpcerr.ProtocolError
	require.True(t, errors.As(err, &perr))
}

func TestFailureReplyRoundTrip(t *testing.T) {
	req := NewRequest("divide", nil)
	rec := NewErrorRecord(rpcerr.New("ZeroDivisionError", "division by zero"))
	assert.Equal(t, "ZeroDivisionError", rec.Kind)
	assert.Equal(t, "division by zero", rec.Message)
	assert.NotEmpty(t, rec.Traceback)

	rep, err := FailureReply(req, rec)
	require.NoError(t, err)

	parsed, err := ParseReply(rep.Frames())
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, parsed.Status)

	got, err := parsed.ErrorRecord()
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	remote := got.Err()
	assert.Equal(t, "ZeroDivisionError", remote.ErrorKind)
	assert.Equal(t, "division by zero", remote.ErrorMessage)
}

func TestErrorRecordFrameCount(t *testing.T) {
	rep := &Reply{ID: "x", Status: StatusFailure, Payload: [][]byte{[]byte("{}"), []byte("{}")}}
	_, err := rep.ErrorRecord()
	require.Error(t, err)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.Len(t, id, 36)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(semver.MustParse("1.4.2")))
	assert.False(t, Compatible(semver.MustParse("2.0.0")))
}
