package plugins

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/TNO-MPC/communication/pkg/serialization"
)

// Protobuf registers a rule for every proto.Message (tag "protobuf"). The
// message is written with the deterministic protobuf codec next to its full
// name; the receiver must have the message type linked in.
func Protobuf(r *serialization.Registry) error {
	mo := proto.MarshalOptions{Deterministic: true}
	return serialization.Register[proto.Message](r, "protobuf",
		func(m proto.Message, _ *serialization.Context) (map[string]any, error) {
			b, err := mo.Marshal(m)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"name":  string(m.ProtoReflect().Descriptor().FullName()),
				"bytes": b,
			}, nil
		},
		func(m map[string]any, _ *serialization.Context) (proto.Message, error) {
			name, _ := m["name"].(string)
			b, ok := m["bytes"].([]byte)
			if name == "" || !ok {
				return nil, fmt.Errorf("protobuf: name and bytes required")
			}
			mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(name))
			if err != nil {
				return nil, fmt.Errorf("protobuf: %s: %w", name, err)
			}
			msg := mt.New().Interface()
			if err := proto.Unmarshal(b, msg); err != nil {
				return nil, err
			}
			return msg, nil
		})
}
