package plugins

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/protocol/codec"
	"github.com/TNO-MPC/communication/pkg/serialization"
)

func roundTrip(t *testing.T, r *serialization.Registry, v any) any {
	t.Helper()
	c, err := codec.CBOR()
	require.NoError(t, err)
	node, err := r.Serialize(v, nil)
	require.NoError(t, err)
	b, err := c.Marshal(node)
	require.NoError(t, err)
	var back any
	require.NoError(t, c.Unmarshal(b, &back))
	out, err := r.Deserialize(back, nil)
	require.NoError(t, err)
	return out
}

func newRegistry(t *testing.T) *serialization.Registry {
	t.Helper()
	r := serialization.NewRegistry()
	require.NoError(t, Install(r))
	return r
}

func TestBigRat(t *testing.T) {
	r := newRegistry(t)
	in, ok := new(big.Rat).SetString("-123456789012345678901234567890/7")
	require.True(t, ok)
	out := roundTrip(t, r, in)
	got, ok := out.(*big.Rat)
	require.True(t, ok, "got %T", out)
	assert.Zero(t, in.Cmp(got))
}

func TestBigFloatKeepsPrecision(t *testing.T) {
	r := newRegistry(t)
	in, _, err := big.ParseFloat("3.14159265358979323846264338327950288", 10, 200, big.ToNearestEven)
	require.NoError(t, err)
	out := roundTrip(t, r, in)
	got, ok := out.(*big.Float)
	require.True(t, ok, "got %T", out)
	assert.Zero(t, in.Cmp(got))
	assert.Equal(t, uint(200), got.Prec())
}

func TestProtobufMessages(t *testing.T) {
	r := newRegistry(t)
	st, err := structpb.NewStruct(map[string]any{"k": "v", "n": 2.5})
	require.NoError(t, err)

	for _, msg := range []proto.Message{st, wrapperspb.String("hello"), wrapperspb.Bytes([]byte{1, 2})} {
		out := roundTrip(t, r, msg)
		got, ok := out.(proto.Message)
		require.True(t, ok, "got %T", out)
		assert.True(t, proto.Equal(msg, got))
	}
}

func TestProtobufInsideContainers(t *testing.T) {
	r := newRegistry(t)
	in := map[string]any{"msgs": []any{wrapperspb.Int64(7)}, "n": 1}
	out := roundTrip(t, r, in).(map[string]any)
	msgs := out["msgs"].([]any)
	require.Len(t, msgs, 1)
	assert.True(t, proto.Equal(wrapperspb.Int64(7), msgs[0].(proto.Message)))
}

func TestProtobufUnknownMessage(t *testing.T) {
	r := newRegistry(t)
	node := map[string]any{"type": "protobuf", "data": map[string]any{"name": "no.such.Message", "bytes": []byte{}}}
	_, err := r.Deserialize(node, nil)
	require.ErrorIs(t, err, errs.ErrUnsupportedType)
}

func TestInstallTwiceIsHarmless(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, Install(r))
	assert.Equal(t, []string{"big.Float", "big.Rat", "protobuf"}, r.Tags())
}
