package serialization

import (
	"math/big"
	"reflect"
	"time"

	"github.com/TNO-MPC/communication/pkg/errs"
)

// Container tags handled directly by the encoder and decoder.
const (
	tagDict     = "dict"
	tagMap      = "map"
	tagSlice    = "slice"
	tagTypedMap = "typedmap"
)

var (
	anyType        = reflect.TypeFor[any]()
	genericMapType = reflect.TypeFor[map[any]any]()
)

// nativeNames names the types that travel without a tag. They double as
// element names inside typed containers.
var nativeNames = map[reflect.Type]string{
	reflect.TypeFor[int]():            "int",
	reflect.TypeFor[bool]():           "bool",
	reflect.TypeFor[string]():         "string",
	reflect.TypeFor[float64]():        "float64",
	reflect.TypeFor[[]byte]():         "bytes",
	reflect.TypeFor[*big.Int]():       "bigint",
	reflect.TypeFor[[]any]():          "list",
	reflect.TypeFor[map[string]any](): tagDict,
	genericMapType:                    tagMap,
	anyType:                           "any",
}

var nativeTypes = func() map[string]reflect.Type {
	out := make(map[string]reflect.Type, len(nativeNames))
	for t, n := range nativeNames {
		out[n] = t
	}
	return out
}()

var reservedTags = map[string]struct{}{
	tagSlice:    {},
	tagTypedMap: {},
}

func init() {
	for n := range nativeTypes {
		reservedTags[n] = struct{}{}
	}
	for _, ru := range builtinRules() {
		reservedTags[ru.tag] = struct{}{}
	}
}

func isReserved(tag string) bool {
	_, ok := reservedTags[tag]
	return ok
}

func isNative(t reflect.Type) bool {
	_, ok := nativeNames[t]
	return ok
}

// builtinRules are the tagged built-ins: fixed-width numbers, complex
// numbers, big.Int values and time.Time.
func builtinRules() []*rule {
	return []*rule{
		signedRule("int8", reflect.TypeFor[int8]()),
		signedRule("int16", reflect.TypeFor[int16]()),
		signedRule("int32", reflect.TypeFor[int32]()),
		signedRule("int64", reflect.TypeFor[int64]()),
		unsignedRule("uint", reflect.TypeFor[uint]()),
		unsignedRule("uint8", reflect.TypeFor[uint8]()),
		unsignedRule("uint16", reflect.TypeFor[uint16]()),
		unsignedRule("uint32", reflect.TypeFor[uint32]()),
		unsignedRule("uint64", reflect.TypeFor[uint64]()),
		{
			tag: "float32",
			typ: reflect.TypeFor[float32](),
			encode: func(v reflect.Value, _ *Context) (any, error) {
				return v.Float(), nil
			},
			decode: func(data any, _ *Context) (reflect.Value, error) {
				f, ok := floatOf(data)
				if !ok {
					return reflect.Value{}, malformed("float32 from %T", data)
				}
				return reflect.ValueOf(float32(f)), nil
			},
		},
		complexRule("complex64", reflect.TypeFor[complex64]()),
		complexRule("complex128", reflect.TypeFor[complex128]()),
		{
			tag: "big.Int",
			typ: reflect.TypeFor[big.Int](),
			encode: func(v reflect.Value, _ *Context) (any, error) {
				n := v.Interface().(big.Int)
				return new(big.Int).Set(&n), nil
			},
			decode: func(data any, _ *Context) (reflect.Value, error) {
				n, ok := integerOf(data)
				if !ok {
					return reflect.Value{}, malformed("big.Int from %T", data)
				}
				return reflect.ValueOf(*n), nil
			},
		},
		{
			tag: "time",
			typ: reflect.TypeFor[time.Time](),
			encode: func(v reflect.Value, _ *Context) (any, error) {
				return v.Interface().(time.Time).Format(time.RFC3339Nano), nil
			},
			decode: func(data any, _ *Context) (reflect.Value, error) {
				s, ok := data.(string)
				if !ok {
					return reflect.Value{}, malformed("time from %T", data)
				}
				t, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return reflect.Value{}, errs.From(errs.ErrMalformedEnvelope).Op("deserialize").Cause(err).Build()
				}
				return reflect.ValueOf(t), nil
			},
		},
	}
}

func signedRule(tag string, t reflect.Type) *rule {
	return &rule{
		tag: tag,
		typ: t,
		encode: func(v reflect.Value, _ *Context) (any, error) {
			return v.Int(), nil
		},
		decode: func(data any, _ *Context) (reflect.Value, error) {
			n, ok := integerOf(data)
			out := reflect.New(t).Elem()
			if !ok || !n.IsInt64() || out.OverflowInt(n.Int64()) {
				return reflect.Value{}, malformed("%v does not fit %s", data, tag)
			}
			out.SetInt(n.Int64())
			return out, nil
		},
	}
}

func unsignedRule(tag string, t reflect.Type) *rule {
	return &rule{
		tag: tag,
		typ: t,
		encode: func(v reflect.Value, _ *Context) (any, error) {
			return v.Uint(), nil
		},
		decode: func(data any, _ *Context) (reflect.Value, error) {
			n, ok := integerOf(data)
			out := reflect.New(t).Elem()
			if !ok || !n.IsUint64() || out.OverflowUint(n.Uint64()) {
				return reflect.Value{}, malformed("%v does not fit %s", data, tag)
			}
			out.SetUint(n.Uint64())
			return out, nil
		},
	}
}

func complexRule(tag string, t reflect.Type) *rule {
	return &rule{
		tag: tag,
		typ: t,
		encode: func(v reflect.Value, _ *Context) (any, error) {
			c := v.Complex()
			return []any{real(c), imag(c)}, nil
		},
		decode: func(data any, _ *Context) (reflect.Value, error) {
			parts, ok := data.([]any)
			if !ok || len(parts) != 2 {
				return reflect.Value{}, malformed("%s from %T", tag, data)
			}
			re, ok1 := floatOf(parts[0])
			im, ok2 := floatOf(parts[1])
			if !ok1 || !ok2 {
				return reflect.Value{}, malformed("%s parts", tag)
			}
			out := reflect.New(t).Elem()
			out.SetComplex(complex(re, im))
			return out, nil
		},
	}
}

// integerOf accepts any integer representation a decoder may produce.
func integerOf(data any) (*big.Int, bool) {
	switch x := data.(type) {
	case int:
		return big.NewInt(int64(x)), true
	case int64:
		return big.NewInt(x), true
	case uint64:
		return new(big.Int).SetUint64(x), true
	case *big.Int:
		if x == nil {
			return nil, false
		}
		return x, true
	case big.Int:
		return &x, true
	}
	return nil, false
}

func floatOf(data any) (float64, bool) {
	switch x := data.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
