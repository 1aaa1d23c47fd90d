package codec

import (
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Numbers decode as float64, objects as map[string]any, arrays as []any.
type JSONCodec struct{}

func (c *JSONCodec) EncodeArgs(args []any, kwargs map[string]any) ([][]byte, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return nil, err
	}
	return [][]byte{a, k}, nil
}

func (c *JSONCodec) DecodeArgs(frames [][]byte) ([]any, map[string]any, error) {
	if err := checkFrames(frames, 2); err != nil {
		return nil, nil, err
	}
	var args []any
	if err := json.Unmarshal(frames[0], &args); err != nil {
		return nil, nil, err
	}
	var kwargs map[string]any
	if err := json.Unmarshal(frames[1], &kwargs); err != nil {
		return nil, nil, err
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return args, kwargs, nil
}

func (c *JSONCodec) EncodeResult(v any) ([][]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (c *JSONCodec) DecodeResult(frames [][]byte) (any, error) {
	if err := checkFrames(frames, 1); err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(frames[0], &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
