// Package codec turns call arguments and results into payload frames.
//
// Arguments travel as two frames (positional list, keyword map); a result travels as one
// frame. The framework never looks inside the frames, so any codec that round-trips the
// values a service exchanges can be plugged in.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeProto CodecType = 1
)

type Codec interface {
	EncodeArgs(args []any, kwargs map[string]any) ([][]byte, error)
	DecodeArgs(frames [][]byte) ([]any, map[string]any, error)
	EncodeResult(v any) ([][]byte, error)
	DecodeResult(frames [][]byte) (any, error)
	Type() CodecType // 0=JSON, 1=Proto
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeProto {
		return &ProtoCodec{}
	}

	return &JSONCodec{}
}

// ByName resolves a codec from its configuration name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return &JSONCodec{}, nil
	case "proto", "protobuf":
		return &ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

func checkFrames(frames [][]byte, want int) error {
	if len(frames) != want {
		return fmt.Errorf("codec: got %d payload frames, want %d", len(frames), want)
	}
	return nil
}
