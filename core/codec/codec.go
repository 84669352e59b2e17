package codec

import (
	"encoding/json"
	"errors"
	"mime"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Content types understood by the built-in codecs
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Codec encodes and decodes HTTP message bodies
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v any) ([]byte, error)

	// Decode decodes bytes to a value
	Decode(data []byte, v any) error

	// Name returns the codec name
	Name() string

	// ContentType returns the media type written on responses
	ContentType() string
}

var (
	JSON     Codec = &JSONCodec{}
	Protobuf Codec = &ProtobufCodec{}
)

// ForContentType returns the codec for a request Content-Type. An empty
// Content-Type is treated as JSON.
func ForContentType(contentType string) (Codec, error) {
	if contentType == "" {
		return JSON, nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, ErrUnsupportedCodec
	}
	switch mt {
	case ContentTypeJSON:
		return JSON, nil
	case ContentTypeProtobuf, "application/protobuf":
		return Protobuf, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// Negotiate picks the response codec for v. Protobuf is chosen only when v is
// a proto.Message and accept names a protobuf media type; everything else is JSON.
func Negotiate(accept string, v any) Codec {
	if _, ok := v.(proto.Message); !ok || accept == "" {
		return JSON
	}
	for _, part := range strings.Split(accept, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if q, ok := params["q"]; ok && strings.TrimLeft(q, "0.") == "" {
			continue // q=0 means not acceptable
		}
		if mt == ContentTypeProtobuf || mt == "application/protobuf" {
			return Protobuf
		}
	}
	return JSON
}

// JSONCodec implements JSON encoding/decoding. Protobuf messages go through
// protojson so well-known types render in their canonical JSON form.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return protojson.Marshal(msg)
	}
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, msg)
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return ContentTypeJSON
}
