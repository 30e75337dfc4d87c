package serialization

import (
	"math"
	"math/big"
	"reflect"

	"github.com/TNO-MPC/communication/pkg/errs"
)

func (r *Registry) decode(node any, ctx *Context) (any, error) {
	ctx, err := ctx.deeper()
	if err != nil {
		return nil, err
	}
	switch x := node.(type) {
	case nil:
		return nil, nil
	case bool, string, float64, int, []byte, *big.Int:
		return x, nil
	case int64:
		return normalizeInt(big.NewInt(x)), nil
	case uint64:
		return normalizeInt(new(big.Int).SetUint64(x)), nil
	case float32:
		return float64(x), nil
	case big.Int:
		return new(big.Int).Set(&x), nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			if out[i], err = r.decode(item, ctx); err != nil {
				return nil, err
			}
		}
		return out, nil
	case map[string]any:
		return r.decodeTagged(x, ctx)
	}
	return nil, errs.From(errs.ErrMalformedEnvelope).Op("deserialize").Detail("unexpected node %T", node).Build()
}

// normalizeInt maps a raw wire integer to int when it fits, else keeps the
// big integer.
func normalizeInt(n *big.Int) any {
	if n.IsInt64() && n.Int64() >= math.MinInt && n.Int64() <= math.MaxInt {
		return int(n.Int64())
	}
	return n
}

func (r *Registry) decodeTagged(m map[string]any, ctx *Context) (any, error) {
	tag, ok := m[keyType].(string)
	if !ok || len(m) > 2 {
		return nil, errs.From(errs.ErrMalformedEnvelope).Op("deserialize").Detail("map without type tag").Build()
	}
	data := m[keyData]
	switch tag {
	case tagDict:
		return r.decodeFields(data, ctx)
	case tagMap:
		return r.decodeGenericMap(data, ctx)
	case tagSlice:
		return r.decodeSequence(data, ctx)
	case tagTypedMap:
		return r.decodeTypedMap(data, ctx)
	}
	ru := r.ruleForTag(tag)
	if ru == nil {
		return nil, errs.From(errs.ErrUnknownTypeTag).Op("deserialize").Detail("%s", tag).Build()
	}
	v, err := ru.decode(data, ctx)
	if err != nil {
		if errs.CodeOf(err) != "" {
			return nil, err
		}
		return nil, errs.From(errs.ErrUnsupportedType).Op("deserialize").Detail("%s", tag).Cause(err).Build()
	}
	if !v.IsValid() {
		return nil, nil
	}
	return v.Interface(), nil
}

// decodeFields deserializes the values of a mapping.
func (r *Registry) decodeFields(data any, ctx *Context) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil, malformed("mapping expected, got %T", data)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		dv, err := r.decode(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = dv
	}
	return out, nil
}

func (r *Registry) decodeGenericMap(data any, ctx *Context) (any, error) {
	pairs, ok := data.([]any)
	if !ok {
		return nil, malformed("map pairs expected, got %T", data)
	}
	out := make(map[any]any, len(pairs))
	for _, p := range pairs {
		k, v, err := r.decodePair(p, ctx)
		if err != nil {
			return nil, err
		}
		if k != nil && !hashable(reflect.ValueOf(k)) {
			return nil, malformed("map key of type %T is not hashable", k)
		}
		out[k] = v
	}
	return out, nil
}

func (r *Registry) decodePair(p any, ctx *Context) (any, any, error) {
	kv, ok := p.([]any)
	if !ok || len(kv) != 2 {
		return nil, nil, malformed("key/value pair expected")
	}
	k, err := r.decode(kv[0], ctx)
	if err != nil {
		return nil, nil, err
	}
	v, err := r.decode(kv[1], ctx)
	if err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// typedHeader splits [type name, body] and resolves the type.
func (r *Registry) typedHeader(data any, want reflect.Kind, alt reflect.Kind) (reflect.Type, any, error) {
	parts, ok := data.([]any)
	if !ok || len(parts) != 2 {
		return nil, nil, malformed("typed container header expected")
	}
	name, ok := parts[0].(string)
	if !ok {
		return nil, nil, malformed("type name expected, got %T", parts[0])
	}
	t, ok := r.typeByName(name)
	if !ok {
		return nil, nil, errs.From(errs.ErrUnknownTypeTag).Op("deserialize").Detail("%s", name).Build()
	}
	if t.Kind() != want && t.Kind() != alt {
		return nil, nil, malformed("%s is not a %v", name, want)
	}
	return t, parts[1], nil
}

func (r *Registry) decodeSequence(data any, ctx *Context) (any, error) {
	t, body, err := r.typedHeader(data, reflect.Slice, reflect.Array)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return reflect.Zero(t).Interface(), nil
	}
	n := 0
	switch b := body.(type) {
	case []byte:
		n = len(b)
	case []any:
		n = len(b)
	default:
		return nil, malformed("sequence body expected, got %T", body)
	}
	var out reflect.Value
	if t.Kind() == reflect.Array {
		if n != t.Len() {
			return nil, malformed("array %v has %d items", t, n)
		}
		out = reflect.New(t).Elem()
	} else {
		out = reflect.MakeSlice(t, n, n)
	}
	switch b := body.(type) {
	case []byte:
		if t.Elem() != byteType {
			return nil, malformed("byte body for %v", t)
		}
		reflect.Copy(out, reflect.ValueOf(b))
	case []any:
		for i, item := range b {
			v, err := r.decode(item, ctx)
			if err != nil {
				return nil, err
			}
			if err := assign(out.Index(i), v); err != nil {
				return nil, err
			}
		}
	}
	return out.Interface(), nil
}

func (r *Registry) decodeTypedMap(data any, ctx *Context) (any, error) {
	t, body, err := r.typedHeader(data, reflect.Map, reflect.Map)
	if err != nil {
		return nil, err
	}
	pairs, ok := body.([]any)
	if !ok {
		return nil, malformed("map pairs expected, got %T", body)
	}
	out := reflect.MakeMapWithSize(t, len(pairs))
	for _, p := range pairs {
		k, v, err := r.decodePair(p, ctx)
		if err != nil {
			return nil, err
		}
		kv := reflect.New(t.Key()).Elem()
		if err := assign(kv, k); err != nil {
			return nil, err
		}
		if !hashable(kv) {
			return nil, malformed("map key of type %T is not hashable", k)
		}
		vv := reflect.New(t.Elem()).Elem()
		if err := assign(vv, v); err != nil {
			return nil, err
		}
		out.SetMapIndex(kv, vv)
	}
	return out.Interface(), nil
}

// hashable reports whether v can be used as a map key. Comparable static
// types may still hold slices or maps behind interfaces.
func hashable(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return true
		}
		return hashable(v.Elem())
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if !hashable(v.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !hashable(v.Field(i)) {
				return false
			}
		}
		return true
	}
	return v.Type().Comparable()
}

// assign stores v into dst, converting between types of the same kind.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	sv := reflect.ValueOf(v)
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	if sv.Kind() == dst.Kind() && sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return malformed("cannot store %T in %v", v, dst.Type())
}

func malformed(format string, args ...any) error {
	return errs.From(errs.ErrMalformedEnvelope).Op("deserialize").Detail(format, args...).Build()
}
