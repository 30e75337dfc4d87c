package serialization

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TNO-MPC/communication/pkg/errs"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "point", serPoint, dePoint))
	before, err := r.Serialize(point{X: 1, Y: 2}, nil)
	require.NoError(t, err)

	require.NoError(t, Register(r, "point", serPoint, dePoint))
	after, err := r.Serialize(point{X: 1, Y: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"point"}, r.Tags())

	out, err := r.Deserialize(after, nil)
	require.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: 2}, out)
}

func TestRegisterConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "point", serPoint, dePoint))

	other := func(p point, _ *Context) (map[string]any, error) { return map[string]any{"x": p.X}, nil }
	err := Register(r, "point", other, dePoint)
	require.ErrorIs(t, err, errs.ErrConflictingRule)

	type other2 struct{}
	err = Register(r, "point",
		func(other2, *Context) (map[string]any, error) { return nil, nil },
		func(map[string]any, *Context) (other2, error) { return other2{}, nil })
	require.ErrorIs(t, err, errs.ErrConflictingRule)

	require.NoError(t, Register(r, "point", other, dePoint, Overwrite()))
	node, err := r.Serialize(point{X: 5, Y: 6}, nil)
	require.NoError(t, err)
	data := node.(map[string]any)["data"].(map[string]any)
	assert.Equal(t, map[string]any{"x": 5}, data)
}

func TestReservedTagsAndBuiltinTypes(t *testing.T) {
	r := NewRegistry()
	for _, tag := range []string{"dict", "map", "slice", "typedmap", "int32", "bigint", "bytes", "time", "big.Int"} {
		err := Register(r, tag, serPoint, dePoint)
		require.ErrorIs(t, err, errs.ErrReservedTypeTag, tag)
	}
	err := Register(r, "myint",
		func(v int32, _ *Context) (map[string]any, error) { return nil, nil },
		func(map[string]any, *Context) (int32, error) { return 0, nil })
	require.ErrorIs(t, err, errs.ErrReservedTypeTag)

	err = Register(r, "mystring",
		func(v string, _ *Context) (map[string]any, error) { return nil, nil },
		func(map[string]any, *Context) (string, error) { return "", nil })
	require.ErrorIs(t, err, errs.ErrReservedTypeTag)

	err = Register(r, "bad[tag]", serPoint, dePoint)
	require.ErrorIs(t, err, errs.ErrInvalidSerializationContract)
}

func TestRegisterFuncValidatesContract(t *testing.T) {
	typ := reflect.TypeFor[point]()
	cases := map[string]struct{ ser, de any }{
		"ser not a func":     {ser: 1, de: dePoint},
		"ser missing ctx":    {ser: func(p point) (map[string]any, error) { return nil, nil }, de: dePoint},
		"ser wrong input":    {ser: func(s string, _ *Context) (map[string]any, error) { return nil, nil }, de: dePoint},
		"ser wrong output":   {ser: func(p point, _ *Context) ([]any, error) { return nil, nil }, de: dePoint},
		"ser no error":       {ser: func(p point, _ *Context) map[string]any { return nil }, de: dePoint},
		"de wrong input":     {ser: serPoint, de: func(m []any, _ *Context) (point, error) { return point{}, nil }},
		"de wrong output":    {ser: serPoint, de: func(m map[string]any, _ *Context) (string, error) { return "", nil }},
		"de missing context": {ser: serPoint, de: func(m map[string]any) (point, error) { return point{}, nil }},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry()
			err := r.RegisterFunc("point", typ, c.ser, c.de)
			require.ErrorIs(t, err, errs.ErrInvalidSerializationContract)
			assert.Empty(t, r.Tags())
		})
	}

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("point", typ, serPoint, dePoint))
	out, err := r.Deserialize(mustSerialize(t, r, point{Label: "ok"}), nil)
	require.NoError(t, err)
	assert.Equal(t, point{Label: "ok"}, out)
}

func TestRegisterFuncWithoutValidationFailsAtCallTime(t *testing.T) {
	r := NewRegistry()
	bad := func(s string, _ *Context) (map[string]any, error) { return nil, nil }
	require.NoError(t, r.RegisterFunc("point", reflect.TypeFor[point](), bad, dePoint, WithoutValidation()))

	_, err := r.Serialize(point{}, nil)
	require.ErrorIs(t, err, errs.ErrInvalidSerializationContract)
}

func TestFrozenRegistry(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	assert.True(t, r.Frozen())
	err := Register(r, "point", serPoint, dePoint)
	require.ErrorIs(t, err, errs.ErrRegistryFrozen)
}

type shape interface{ Area() int }

type square struct{ Side int }

func (s square) Area() int { return s.Side * s.Side }

func TestInterfaceRule(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[shape](r, "shape",
		func(s shape, _ *Context) (map[string]any, error) {
			return map[string]any{"side": s.(square).Side}, nil
		},
		func(m map[string]any, _ *Context) (shape, error) {
			return square{Side: m["side"].(int)}, nil
		}))

	out, err := r.Deserialize(mustSerialize(t, r, square{Side: 3}), nil)
	require.NoError(t, err)
	assert.Equal(t, square{Side: 3}, out)
	assert.Equal(t, 9, out.(shape).Area())
}

// unit carries a value whose nested serialization depends on an option.
type unit struct{ Meters int }

type parcel struct {
	Weight unit
	Size   unit
}

func TestNestedContextOptions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r, "unit",
		func(u unit, ctx *Context) (map[string]any, error) {
			if ctx.Value("scale") == "cm" {
				return map[string]any{"v": u.Meters * 100, "scale": "cm"}, nil
			}
			return map[string]any{"v": u.Meters, "scale": "m"}, nil
		},
		func(m map[string]any, ctx *Context) (unit, error) {
			v := m["v"].(int)
			if ctx.Value("scale") == "cm" {
				v /= 100
			}
			return unit{Meters: v}, nil
		}))
	require.NoError(t, Register(r, "parcel",
		func(p parcel, ctx *Context) (map[string]any, error) {
			size, err := ctx.With("scale", "cm").Embed(p.Size)
			if err != nil {
				return nil, err
			}
			return map[string]any{"weight": p.Weight, "size": size}, nil
		},
		func(m map[string]any, ctx *Context) (parcel, error) {
			w, err := ctx.Deserialize(m["weight"])
			if err != nil {
				return parcel{}, err
			}
			s, err := ctx.With("scale", "cm").Deserialize(m["size"])
			if err != nil {
				return parcel{}, err
			}
			return parcel{Weight: w.(unit), Size: s.(unit)}, nil
		}, RawFields()))

	in := parcel{Weight: unit{Meters: 2}, Size: unit{Meters: 3}}
	node := mustSerialize(t, r, in)
	data := node.(map[string]any)["data"].(map[string]any)
	size := data["size"].(map[string]any)["data"].(map[string]any)
	weight := data["weight"].(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "cm", size["scale"])
	assert.Equal(t, 300, size["v"])
	assert.Equal(t, "m", weight["scale"])

	out, err := r.Deserialize(node, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOptionsReachRules(t *testing.T) {
	r := NewRegistry()
	var seen []string
	require.NoError(t, Register(r, "point",
		func(p point, ctx *Context) (map[string]any, error) {
			seen = append(seen, fmt.Sprint(ctx.Value(OptionDestination)))
			return serPoint(p, ctx)
		},
		func(m map[string]any, ctx *Context) (point, error) {
			origin, ok := ctx.Lookup(OptionOrigin)
			seen = append(seen, fmt.Sprintf("%v %v", origin, ok))
			return dePoint(m, ctx)
		}))
	node, err := r.Serialize([]any{point{}}, Options{OptionDestination: "bob"})
	require.NoError(t, err)
	_, err = r.Deserialize(node, Options{OptionOrigin: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice true"}, seen)
}

func TestDeserializeAs(t *testing.T) {
	r := NewRegistry()
	n, err := DeserializeAs[int](r, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = DeserializeAs[string](r, 5, nil)
	require.ErrorIs(t, err, errs.ErrUnsupportedType)
	assert.True(t, strings.Contains(err.Error(), "want string"))
}

func mustSerialize(t *testing.T, r *Registry, v any) any {
	t.Helper()
	node, err := r.Serialize(v, nil)
	require.NoError(t, err)
	return node
}
