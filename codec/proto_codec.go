package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// ProtoCodec uses the protobuf binary wire format. Values must implement proto.Message.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("ProtoCodec: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("ProtoCodec: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
