package serialization

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"

	"github.com/TNO-MPC/communication/pkg/errs"
)

func tagged(tag string, data any) map[string]any {
	return map[string]any{keyType: tag, keyData: data}
}

func (r *Registry) encode(v any, ctx *Context) (any, error) {
	ctx, err := ctx.deeper()
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Encoded:
		return x.Node, nil
	case bool, string, float64, int, []byte:
		return x, nil
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		return x, nil
	case []any:
		if x == nil {
			return nil, nil
		}
		out := make([]any, len(x))
		for i, item := range x {
			if out[i], err = r.encode(item, ctx); err != nil {
				return nil, err
			}
		}
		return out, nil
	case map[string]any:
		if x == nil {
			return nil, nil
		}
		data, err := r.encodeFields(x, ctx)
		if err != nil {
			return nil, err
		}
		return tagged(tagDict, data), nil
	}

	rv := reflect.ValueOf(v)
	if ru, deref := r.ruleForType(rv.Type()); ru != nil {
		if deref {
			if rv.IsNil() {
				return nil, nil
			}
			rv = rv.Elem()
		}
		data, err := ru.encode(rv, ctx)
		if err != nil {
			return nil, errs.From(errs.ErrUnsupportedType).Op("serialize").Detail("%s", ru.tag).Cause(err).Build()
		}
		return tagged(ru.tag, data), nil
	}
	return r.encodeKind(rv, ctx)
}

// encodeKind handles values without a rule by their reflect.Kind. Named
// scalar types (enumerations) end up here and lose their name.
func (r *Registry) encodeKind(rv reflect.Value, ctx *Context) (any, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return new(big.Int).SetUint64(u), nil
		}
		return int(u), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 && !rv.IsNil() {
			if _, ok := r.typeName(rv.Type()); !ok {
				return rv.Bytes(), nil
			}
		}
		return r.encodeSequence(rv, ctx)
	case reflect.Array:
		return r.encodeSequence(rv, ctx)
	case reflect.Map:
		return r.encodeMap(rv, ctx)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return r.encode(rv.Elem().Interface(), ctx)
	}
	return nil, errs.From(errs.ErrUnsupportedType).Op("serialize").Detail("no rule for %v", rv.Type()).Build()
}

var byteType = reflect.TypeFor[byte]()

// encodeSequence writes typed slices and arrays as
// {"type": "slice", "data": [type name, items]}. Byte elements travel as one
// byte string. Element types without a name degrade to a plain list.
func (r *Registry) encodeSequence(rv reflect.Value, ctx *Context) (any, error) {
	t := rv.Type()
	var items any
	switch {
	case t.Kind() == reflect.Slice && rv.IsNil():
		items = nil
	case t.Elem() == byteType:
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		items = b
	default:
		list := make([]any, rv.Len())
		for i := range list {
			var err error
			if list[i], err = r.encode(rv.Index(i).Interface(), ctx); err != nil {
				return nil, err
			}
		}
		items = list
	}
	name, ok := r.typeName(t)
	if !ok {
		return items, nil
	}
	return tagged(tagSlice, []any{name, items}), nil
}

type pair struct {
	sortKey string
	k, v    any
}

// encodeMap writes maps other than map[string]any as sorted key/value pairs.
// Nameable map types keep their type ({"type": "typedmap"}); the rest decode
// as map[any]any, or map[string]any when the keys are strings.
func (r *Registry) encodeMap(rv reflect.Value, ctx *Context) (any, error) {
	if rv.IsNil() {
		return nil, nil
	}
	t := rv.Type()
	name, named := r.typeName(t)
	if t == genericMapType {
		named = false
	}
	if !named && t.Key().Kind() == reflect.String {
		fields := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := r.encode(iter.Value().Interface(), ctx)
			if err != nil {
				return nil, err
			}
			fields[iter.Key().String()] = v
		}
		return tagged(tagDict, fields), nil
	}

	pairs := make([]pair, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		kv := iter.Key().Interface()
		k, err := r.encode(kv, ctx)
		if err != nil {
			return nil, err
		}
		v, err := r.encode(iter.Value().Interface(), ctx)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{sortKey: fmt.Sprintf("%T\x00%v", kv, kv), k: k, v: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].sortKey < pairs[j].sortKey })
	list := make([]any, len(pairs))
	for i, p := range pairs {
		list[i] = []any{p.k, p.v}
	}
	if !named {
		return tagged(tagMap, list), nil
	}
	return tagged(tagTypedMap, []any{name, list}), nil
}

// encodeFields serializes the values of a mapping.
func (r *Registry) encodeFields(m map[string]any, ctx *Context) (any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		enc, err := r.encode(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}
