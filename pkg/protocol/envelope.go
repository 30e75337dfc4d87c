// Package protocol defines the wire envelope exchanged between pools.
package protocol

import (
	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/protocol/codec"
)

// Envelope is the unit carried in one transport request.
//
// Payload is a structured-data tree produced by the serialization registry.
// Sender is the sending node's self-declared name; receivers attribute
// messages by transport origin, never by this field.
type Envelope struct {
	Version   uint8  `cbor:"v"`
	Sender    string `cbor:"sender"`
	MessageID string `cbor:"id"`
	Payload   any    `cbor:"payload"`
}

// Encode marshals env with c. A zero Version is replaced by the current one.
func Encode(c codec.Codec, env Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = Version
	}
	if env.MessageID == "" {
		return nil, errs.From(errs.ErrMalformedEnvelope).Op("encode").Detail("empty message id").Build()
	}
	b, err := c.Marshal(env)
	if err != nil {
		return nil, errs.From(errs.ErrUnsupportedType).Op("encode").MessageID(env.MessageID).Cause(err).Build()
	}
	return b, nil
}

// Decode parses an envelope. Truncated input, trailing bytes, a wrong shape,
// an unknown version or a missing message id fail with ErrMalformedEnvelope.
func Decode(c codec.Codec, data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, errs.From(errs.ErrMalformedEnvelope).Op("decode").Detail("empty body").Build()
	}
	if err := c.Unmarshal(data, &env); err != nil {
		return Envelope{}, errs.From(errs.ErrMalformedEnvelope).Op("decode").Cause(err).Build()
	}
	if env.Version != Version {
		return Envelope{}, errs.From(errs.ErrMalformedEnvelope).Op("decode").Detail("unsupported version %d", env.Version).Build()
	}
	if env.MessageID == "" {
		return Envelope{}, errs.From(errs.ErrMalformedEnvelope).Op("decode").Detail("missing message id").Build()
	}
	return env, nil
}
