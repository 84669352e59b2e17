package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestJSONCodec(t *testing.T) {
	type person struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	original := &person{ID: "7", Name: "test"}

	data, err := JSON.Encode(original)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"7","name":"test"}`, string(data))

	decoded := &person{}
	require.NoError(t, JSON.Decode(data, decoded))
	assert.Equal(t, original, decoded)
}

func TestJSONCodecProtoMessage(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]any{"status": "ok", "workers": 4})
	require.NoError(t, err)

	data, err := JSON.Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","workers":4}`, string(data))

	decoded := &structpb.Struct{}
	require.NoError(t, JSON.Decode(data, decoded))
	assert.Equal(t, "ok", decoded.Fields["status"].GetStringValue())
}

func TestProtobufCodec(t *testing.T) {
	original := wrapperspb.Int32(42)

	data, err := Protobuf.Encode(original)
	require.NoError(t, err)

	decoded := &wrapperspb.Int32Value{}
	require.NoError(t, Protobuf.Decode(data, decoded))
	assert.True(t, proto.Equal(original, decoded))
}

func TestProtobufCodecRejectsPlainValues(t *testing.T) {
	_, err := Protobuf.Encode(struct{}{})
	assert.Error(t, err)
	assert.Error(t, Protobuf.Decode(nil, &struct{}{}))
}

func TestForContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
		err         bool
	}{
		{"", "json", false},
		{"application/json", "json", false},
		{"application/json; charset=utf-8", "json", false},
		{"application/x-protobuf", "protobuf", false},
		{"text/plain", "", true},
		{";;;", "", true},
	}
	for _, tt := range tests {
		c, err := ForContentType(tt.contentType)
		if tt.err {
			assert.ErrorIs(t, err, ErrUnsupportedCodec, tt.contentType)
			continue
		}
		require.NoError(t, err, tt.contentType)
		assert.Equal(t, tt.want, c.Name(), tt.contentType)
	}
}

func TestNegotiate(t *testing.T) {
	msg := wrapperspb.String("x")

	assert.Equal(t, "protobuf", Negotiate("application/x-protobuf", msg).Name())
	assert.Equal(t, "protobuf", Negotiate("text/html, application/x-protobuf;q=0.5", msg).Name())
	assert.Equal(t, "json", Negotiate("application/x-protobuf;q=0", msg).Name())
	assert.Equal(t, "json", Negotiate("application/json", msg).Name())
	assert.Equal(t, "json", Negotiate("", msg).Name())
	assert.Equal(t, "json", Negotiate("application/x-protobuf", map[string]string{}).Name())
}
