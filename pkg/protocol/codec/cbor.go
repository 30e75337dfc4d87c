package codec

import (
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// ContentTypeCBOR is the content type of the wire envelope.
const ContentTypeCBOR = "application/cbor"

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns the deterministic CBOR codec (RFC 8949 core deterministic
// profile) used for envelopes.
//
// Big integers are always written as bignums (tags 2 and 3), even when they
// would fit a machine word, and are decoded back into *big.Int. Byte strings
// and text strings stay distinct. Maps decode as map[string]any and duplicate
// keys are rejected.
func CBOR() (Codec, error) {
	eo := cbor.CoreDetEncOptions()
	eo.BigIntConvert = cbor.BigIntConvertNone
	em, err := eo.EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		BigIntDec:       cbor.BigIntDecodePointer,
		MaxNestedLevels: 256,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return ContentTypeCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
