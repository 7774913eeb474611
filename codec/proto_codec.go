package codec

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec encodes protocol buffer messages. Values must implement proto.Message.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

// Decode also accepts a pointer to a nil message pointer, as typed handlers
// hold one, and allocates the message.
func (c *ProtoCodec) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Pointer {
			if rv.Elem().IsNil() {
				rv.Elem().Set(reflect.New(rv.Elem().Type().Elem()))
			}
			m, ok = rv.Elem().Interface().(proto.Message)
		}
	}
	if !ok {
		return fmt.Errorf("codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (c *ProtoCodec) ContentType() string {
	return ContentTypeProtobuf
}
