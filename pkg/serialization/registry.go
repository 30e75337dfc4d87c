// Package serialization converts Go values to and from the structured-data
// tree carried in envelopes.
//
// A tree node is one of: nil, bool, int, float64, string, []byte, *big.Int,
// []any of nodes, or a tagged node map[string]any{"type": tag, "data": data}.
// Every map on the wire is a tagged node, so a user map can never be confused
// with a type tag. Values without a native shape are handled by rules that are
// looked up by runtime type when serializing and by tag when deserializing.
package serialization

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/TNO-MPC/communication/pkg/errs"
)

const (
	keyType = "type"
	keyData = "data"
)

// rule is one entry of the dispatch table.
type rule struct {
	tag     string
	typ     reflect.Type
	iface   bool
	builtin bool
	encode  func(v reflect.Value, ctx *Context) (any, error)
	decode  func(data any, ctx *Context) (reflect.Value, error)
	// function identities, used to make re-registration idempotent
	serFn, deFn uintptr
}

// Registry holds the serialization rules. Built-ins are installed by
// NewRegistry before any user rule; after Freeze no rule can be added.
// A Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*rule
	byTag  map[string]*rule
	ifaces []*rule
	frozen bool
}

// NewRegistry returns a registry with the built-in rules installed.
func NewRegistry() *Registry {
	r := &Registry{
		byType: make(map[reflect.Type]*rule),
		byTag:  make(map[string]*rule),
	}
	for _, ru := range builtinRules() {
		ru.builtin = true
		r.byType[ru.typ] = ru
		r.byTag[ru.tag] = ru
	}
	return r
}

// RuleOption tunes a registration.
type RuleOption func(*ruleConfig)

type ruleConfig struct {
	skipValidation bool
	overwrite      bool
	raw            bool
}

func (c *ruleConfig) apply(opts []RuleOption) {
	for _, o := range opts {
		o(c)
	}
}

// fields prepares the mapping handed to a deserialize function.
func (c *ruleConfig) fields(data any, ctx *Context) (map[string]any, error) {
	if !c.raw {
		return ctx.reg.decodeFields(data, ctx)
	}
	if data == nil {
		return map[string]any{}, nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil, malformed("mapping expected, got %T", data)
	}
	return m, nil
}

// WithoutValidation skips the signature check of RegisterFunc. This is
// unsafe: functions with the wrong shape fail only when first called, with
// ErrInvalidSerializationContract.
func WithoutValidation() RuleOption { return func(c *ruleConfig) { c.skipValidation = true } }

// Overwrite replaces an existing rule for the same type or tag instead of
// failing with ErrConflictingRule.
func Overwrite() RuleOption { return func(c *ruleConfig) { c.overwrite = true } }

// RawFields hands the deserialize function the mapping without deserializing
// its values first. The function then calls Context.Deserialize itself,
// typically on a context derived with Context.With.
func RawFields() RuleOption { return func(c *ruleConfig) { c.raw = true } }

// SerializeFunc turns a value into a mapping. Values in the mapping are
// serialized recursively by the registry.
type SerializeFunc[T any] func(v T, ctx *Context) (map[string]any, error)

// DeserializeFunc rebuilds a value from a mapping whose values have already
// been deserialized.
type DeserializeFunc[T any] func(data map[string]any, ctx *Context) (T, error)

// Register installs a typed rule for T under tag. T may be an interface type,
// in which case the rule applies to every value implementing it that has no
// more specific rule. Registering the same T, tag and functions again is a
// no-op.
func Register[T any](r *Registry, tag string, ser SerializeFunc[T], de DeserializeFunc[T], opts ...RuleOption) error {
	typ := reflect.TypeFor[T]()
	var cfg ruleConfig
	cfg.apply(opts)
	if ser == nil || de == nil {
		return errs.From(errs.ErrInvalidSerializationContract).Op("register").Detail("%s: nil function", tag).Build()
	}
	ru := &rule{
		tag:   tag,
		typ:   typ,
		iface: typ.Kind() == reflect.Interface,
		serFn: reflect.ValueOf(ser).Pointer(),
		deFn:  reflect.ValueOf(de).Pointer(),
		encode: func(v reflect.Value, ctx *Context) (any, error) {
			m, err := ser(v.Interface().(T), ctx)
			if err != nil {
				return nil, err
			}
			return ctx.reg.encodeFields(m, ctx)
		},
		decode: func(data any, ctx *Context) (reflect.Value, error) {
			m, err := cfg.fields(data, ctx)
			if err != nil {
				return reflect.Value{}, err
			}
			out, err := de(m, ctx)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(&out).Elem(), nil
		},
	}
	return r.add(ru, opts)
}

// RegisterFunc is the untyped form of Register. ser must have the shape
// func(T, *Context) (map[string]any, error) and de the shape
// func(map[string]any, *Context) (T, error), where T is typ or an interface
// typ satisfies. The shapes are checked unless WithoutValidation is given.
func (r *Registry) RegisterFunc(tag string, typ reflect.Type, ser, de any, opts ...RuleOption) error {
	var cfg ruleConfig
	cfg.apply(opts)
	if typ == nil {
		return errs.From(errs.ErrInvalidSerializationContract).Op("register").Detail("%s: nil type", tag).Build()
	}
	if !cfg.skipValidation {
		if err := validateContract(typ, ser, de); err != nil {
			return errs.From(errs.ErrInvalidSerializationContract).Op("register").Detail("%s: %v", tag, err).Build()
		}
	}
	sv, dv := reflect.ValueOf(ser), reflect.ValueOf(de)
	ru := &rule{
		tag:   tag,
		typ:   typ,
		iface: typ.Kind() == reflect.Interface,
		encode: func(v reflect.Value, ctx *Context) (any, error) {
			out, err := callContract(sv, v, reflect.ValueOf(ctx))
			if err != nil {
				return nil, err
			}
			m, ok := out.Interface().(map[string]any)
			if !ok {
				return nil, errs.From(errs.ErrInvalidSerializationContract).Op("serialize").Detail("%s returned %s", tag, out.Type()).Build()
			}
			return ctx.reg.encodeFields(m, ctx)
		},
		decode: func(data any, ctx *Context) (reflect.Value, error) {
			m, err := cfg.fields(data, ctx)
			if err != nil {
				return reflect.Value{}, err
			}
			out, err := callContract(dv, reflect.ValueOf(m), reflect.ValueOf(ctx))
			if err != nil {
				return reflect.Value{}, err
			}
			if !out.Type().AssignableTo(typ) && !(out.Kind() == reflect.Interface && out.Elem().IsValid() && out.Elem().Type().AssignableTo(typ)) {
				return reflect.Value{}, errs.From(errs.ErrInvalidSerializationContract).Op("deserialize").Detail("%s returned %s", tag, out.Type()).Build()
			}
			return out, nil
		},
	}
	if sv.Kind() == reflect.Func {
		ru.serFn = sv.Pointer()
	}
	if dv.Kind() == reflect.Func {
		ru.deFn = dv.Pointer()
	}
	return r.add(ru, opts)
}

func (r *Registry) add(ru *rule, opts []RuleOption) error {
	var cfg ruleConfig
	cfg.apply(opts)
	if err := validTag(ru.tag); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errs.From(errs.ErrRegistryFrozen).Op("register").Detail("%s", ru.tag).Build()
	}
	if isReserved(ru.tag) {
		return errs.From(errs.ErrReservedTypeTag).Op("register").Detail("%s", ru.tag).Build()
	}
	if ru.typ == nil || isNative(ru.typ) {
		return errs.From(errs.ErrReservedTypeTag).Op("register").Detail("%s: %v has a built-in encoding", ru.tag, ru.typ).Build()
	}
	if old := r.byType[ru.typ]; old != nil {
		if old.builtin {
			return errs.From(errs.ErrReservedTypeTag).Op("register").Detail("%s: %v has a built-in rule", ru.tag, ru.typ).Build()
		}
		if old.tag == ru.tag && old.serFn == ru.serFn && old.deFn == ru.deFn && old.serFn != 0 {
			return nil
		}
		if !cfg.overwrite {
			return errs.From(errs.ErrConflictingRule).Op("register").Detail("%v already registered as %q", ru.typ, old.tag).Build()
		}
		r.removeLocked(old)
	}
	if old := r.byTag[ru.tag]; old != nil {
		if !cfg.overwrite {
			return errs.From(errs.ErrConflictingRule).Op("register").Detail("tag %q already used by %v", ru.tag, old.typ).Build()
		}
		r.removeLocked(old)
	}
	r.byType[ru.typ] = ru
	r.byTag[ru.tag] = ru
	if ru.iface {
		r.ifaces = append(r.ifaces, ru)
	}
	return nil
}

func (r *Registry) removeLocked(ru *rule) {
	delete(r.byType, ru.typ)
	delete(r.byTag, ru.tag)
	for i, x := range r.ifaces {
		if x == ru {
			r.ifaces = append(r.ifaces[:i], r.ifaces[i+1:]...)
			break
		}
	}
}

// Freeze stops further registrations. The pool freezes its registry when it
// starts serving.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Tags lists the user-registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTag))
	for tag, ru := range r.byTag {
		if !ru.builtin {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// Serialize converts v to a structured-data tree. opts is made available to
// every rule through Context.
func (r *Registry) Serialize(v any, opts Options) (any, error) {
	return r.encode(v, newContext(r, opts))
}

// Deserialize rebuilds a value from a tree produced by Serialize, possibly on
// another node. Trees that cannot be rebuilt, including ones that would make
// reflect panic, fail with ErrMalformedEnvelope.
func (r *Registry) Deserialize(node any, opts Options) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v, err = nil, malformed("rejected tree: %v", rec)
		}
	}()
	return r.decode(node, newContext(r, opts))
}

// DeserializeAs is Deserialize followed by a type check.
func DeserializeAs[T any](r *Registry, node any, opts Options) (T, error) {
	var zero T
	v, err := r.Deserialize(node, opts)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		return zero, errs.From(errs.ErrUnsupportedType).Op("deserialize").Detail("got %T, want %v", v, reflect.TypeFor[T]()).Build()
	}
	return out, nil
}

func (r *Registry) ruleForType(t reflect.Type) (*rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ru := r.byType[t]; ru != nil {
		return ru, false
	}
	if t.Kind() == reflect.Pointer {
		if ru := r.byType[t.Elem()]; ru != nil {
			return ru, true
		}
	}
	for _, ru := range r.ifaces {
		if t.Implements(ru.typ) {
			return ru, false
		}
	}
	return nil, false
}

func (r *Registry) ruleForTag(tag string) *rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTag[tag]
}

func validTag(tag string) error {
	if strings.TrimSpace(tag) == "" || strings.ContainsAny(tag, "[]") {
		return errs.From(errs.ErrInvalidSerializationContract).Op("register").Detail("invalid tag %q", tag).Build()
	}
	return nil
}
