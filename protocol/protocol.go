// Package protocol implements the stream framing used to carry multipart messages over
// byte streams (TCP connections, queue message bodies).
//
// A message is a fixed 9-byte header followed by frameCount length-prefixed frames:
//
//	0      3  4  5           9
//	┌──────┬──┬──┬───────────┬───────────┬─────────────┬─────┐
//	│magic │v │mt│frameCount │ frame len │ frame bytes │ ... │
//	│ mqr  │01│  │  uint32   │  uint32   │             │     │
//	└──────┴──┴──┴───────────┴───────────┴─────────────┴─────┘
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "mqr".
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x71 // 'q'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (frameCount)

	MaxFrames    = 1 << 16
	MaxFrameSize = 64 << 20
)

// MsgType distinguishes data messages from keepalive probes.
type MsgType byte

const (
	MsgTypeMessage   MsgType = 0 // multipart RPC message
	MsgTypeHeartbeat MsgType = 1 // keepalive probe, no frames
)

// Encode writes one message to w with a single Write call.
// Callers sharing w between goroutines must serialize calls to Encode.
func Encode(w io.Writer, t MsgType, frames [][]byte) error {
	if len(frames) > MaxFrames {
		return fmt.Errorf("too many frames: %d", len(frames))
	}
	size := HeaderSize
	for _, f := range frames {
		if len(f) > MaxFrameSize {
			return fmt.Errorf("frame too large: %d bytes", len(f))
		}
		size += 4 + len(f)
	}

	buf := make([]byte, size)
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(t)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(frames)))

	offset := HeaderSize
	for _, f := range frames {
		binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(f)))
		offset += 4
		copy(buf[offset:], f)
		offset += len(f)
	}

	_, err := w.Write(buf)
	return err
}

// Decode reads one message from r.
func Decode(r io.Reader) (MsgType, [][]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	if header[0] != MagicNumber || header[1] != MagicByte2 || header[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("invalid magic number: %x", header[0:3])
	}
	if header[3] != Version {
		return 0, nil, fmt.Errorf("unsupported version: %d", header[3])
	}
	t := MsgType(header[4])
	if t != MsgTypeMessage && t != MsgTypeHeartbeat {
		return 0, nil, fmt.Errorf("unsupported message type: %d", header[4])
	}

	count := binary.BigEndian.Uint32(header[5:9])
	if count > MaxFrames {
		return 0, nil, fmt.Errorf("too many frames: %d", count)
	}

	frames := make([][]byte, 0, count)
	lenBuf := make([]byte, 4)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return 0, nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > MaxFrameSize {
			return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return 0, nil, err
		}
		frames = append(frames, frame)
	}
	return t, frames, nil
}

// Marshal encodes a data message into a byte slice.
func Marshal(frames [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, MsgTypeMessage, frames); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a byte slice produced by Marshal.
func Unmarshal(data []byte) ([][]byte, error) {
	r := bytes.NewReader(data)
	t, frames, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if t != MsgTypeMessage {
		return nil, fmt.Errorf("unexpected message type: %d", t)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return frames, nil
}
