package source

import (
	"fmt"
	"strings"

	"github.com/algorand/go-codec/codec"
)

// Wire encodings accepted by NewHandle.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// NewHandle returns the codec handle for a wire encoding.
func NewHandle(encoding string) (codec.Handle, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingJSON:
		return &codec.JsonHandle{}, nil
	case EncodingMsgpack:
		h := &codec.MsgpackHandle{}
		h.WriteExt = true
		return h, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

func decode(h codec.Handle, raw []byte, dest any) error {
	return codec.NewDecoderBytes(raw, h).Decode(dest)
}

func encode(h codec.Handle, v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, h).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal encodes v with the given wire encoding.
func Marshal(encoding string, v any) ([]byte, error) {
	h, err := NewHandle(encoding)
	if err != nil {
		return nil, err
	}
	return encode(h, v)
}
