package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecs = []Codec{&JSONCodec{}, &ProtoCodec{}}

func TestArgsRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		args   []any
		kwargs map[string]any
	}{
		{"empty", []any{}, map[string]any{}},
		{"scalars", []any{"hi", 1.5, true, nil}, map[string]any{"n": 3.0}},
		{"nested", []any{[]any{1.0, "two"}, map[string]any{"k": []any{"v"}}}, map[string]any{"opts": map[string]any{"deep": false}}},
	}
	for _, c := range codecs {
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				frames, err := c.EncodeArgs(tc.args, tc.kwargs)
				require.NoError(t, err)
				require.Len(t, frames, 2)

				args, kwargs, err := c.DecodeArgs(frames)
				require.NoError(t, err)
				assert.Equal(t, tc.args, args)
				assert.Equal(t, tc.kwargs, kwargs)
			})
		}
	}
}

func TestNilArgs(t *testing.T) {
	for _, c := range codecs {
		frames, err := c.EncodeArgs(nil, nil)
		require.NoError(t, err)

		args, kwargs, err := c.DecodeArgs(frames)
		require.NoError(t, err)
		assert.NotNil(t, args)
		assert.NotNil(t, kwargs)
		assert.Empty(t, args)
		assert.Empty(t, kwargs)
	}
}

func TestResultRoundTrip(t *testing.T) {
	values := []any{nil, "hi", 42.0, false, []any{"a", 1.0}, map[string]any{"x": "y"}}
	for _, c := range codecs {
		for _, v := range values {
			frames, err := c.EncodeResult(v)
			require.NoError(t, err)
			require.Len(t, frames, 1)

			got, err := c.DecodeResult(frames)
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	}
}

func TestIntegersDecodeAsFloat(t *testing.T) {
	for _, c := range codecs {
		frames, err := c.EncodeArgs([]any{7}, nil)
		require.NoError(t, err)

		args, _, err := c.DecodeArgs(frames)
		require.NoError(t, err)
		assert.Equal(t, []any{7.0}, args)
	}
}

func TestFrameCountMismatch(t *testing.T) {
	for _, c := range codecs {
		_, _, err := c.DecodeArgs([][]byte{[]byte("[]")})
		assert.Error(t, err)

		_, err = c.DecodeResult(nil)
		assert.Error(t, err)
	}
}

func TestByName(t *testing.T) {
	c, err := ByName("json")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, c.Type())

	c, err = ByName("proto")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeProto, c.Type())
	assert.Equal(t, CodecTypeProto, GetCodec(CodecTypeProto).Type())

	_, err = ByName("xml")
	assert.Error(t, err)
}
