// Package codec supplies the payload serialization capability.
//
// The runtime treats payloads as opaque bytes; codecs are only used by the typed
// client helpers and by handlers built with server.Unary or server.RegisterService.
package codec

import "github.com/pkg/errors"

type CodecType byte

const (
	CodecTypeProto CodecType = 0
	CodecTypeJSON  CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=Proto, 1=JSON
}

var ErrUnknownCodec = errors.New("unknown codec")

func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeProto:
		return &ProtoCodec{}, nil
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownCodec, "type %d", codecType)
}

// ByName maps configuration strings to codecs.
func ByName(name string) (Codec, error) {
	switch name {
	case "proto", "protobuf", "":
		return &ProtoCodec{}, nil
	case "json":
		return &JSONCodec{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownCodec, "%q", name)
}
