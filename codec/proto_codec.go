package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec encodes values as protobuf well-known types: positional args as a
// ListValue, keyword args as a Struct, results as a Value. It accepts the same value
// shapes as JSON and decodes numbers as float64.
type ProtoCodec struct{}

func (c *ProtoCodec) EncodeArgs(args []any, kwargs map[string]any) ([][]byte, error) {
	list, err := structpb.NewList(args)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(kwargs)
	if err != nil {
		return nil, err
	}
	a, err := proto.Marshal(list)
	if err != nil {
		return nil, err
	}
	k, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return [][]byte{a, k}, nil
}

func (c *ProtoCodec) DecodeArgs(frames [][]byte) ([]any, map[string]any, error) {
	if err := checkFrames(frames, 2); err != nil {
		return nil, nil, err
	}
	list := &structpb.ListValue{}
	if err := proto.Unmarshal(frames[0], list); err != nil {
		return nil, nil, err
	}
	st := &structpb.Struct{}
	if err := proto.Unmarshal(frames[1], st); err != nil {
		return nil, nil, err
	}
	args := list.AsSlice()
	if args == nil {
		args = []any{}
	}
	return args, st.AsMap(), nil
}

func (c *ProtoCodec) EncodeResult(v any) ([][]byte, error) {
	val, err := structpb.NewValue(v)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(val)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func (c *ProtoCodec) DecodeResult(frames [][]byte) (any, error) {
	if err := checkFrames(frames, 1); err != nil {
		return nil, err
	}
	val := &structpb.Value{}
	if err := proto.Unmarshal(frames[0], val); err != nil {
		return nil, err
	}
	return val.AsInterface(), nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
