package serialization

import (
	"reflect"
	"strconv"
	"strings"
)

// Bounds for array types built from names read off the wire.
const (
	maxArrayLen   = 1 << 20
	maxArrayBytes = 1 << 24
)

// typeName returns the portable name of t: a native name, a rule tag, or a
// composite like "[]int32", "[4]uint8" or "map[string][]bigint".
func (r *Registry) typeName(t reflect.Type) (string, bool) {
	if n, ok := nativeNames[t]; ok {
		return n, true
	}
	r.mu.RLock()
	ru := r.byType[t]
	r.mu.RUnlock()
	if ru != nil {
		return ru.tag, true
	}
	if t.Name() != "" {
		return "", false
	}
	switch t.Kind() {
	case reflect.Slice:
		e, ok := r.typeName(t.Elem())
		return "[]" + e, ok
	case reflect.Array:
		e, ok := r.typeName(t.Elem())
		return "[" + strconv.Itoa(t.Len()) + "]" + e, ok
	case reflect.Map:
		k, ok1 := r.typeName(t.Key())
		e, ok2 := r.typeName(t.Elem())
		return "map[" + k + "]" + e, ok1 && ok2
	}
	return "", false
}

// typeByName is the inverse of typeName.
func (r *Registry) typeByName(name string) (reflect.Type, bool) {
	switch {
	case strings.HasPrefix(name, "[]"):
		e, ok := r.typeByName(name[2:])
		if !ok {
			return nil, false
		}
		return reflect.SliceOf(e), true
	case strings.HasPrefix(name, "map["):
		end := closingBracket(name, 3)
		if end < 0 {
			return nil, false
		}
		k, ok := r.typeByName(name[4:end])
		if !ok || !k.Comparable() {
			return nil, false
		}
		e, ok := r.typeByName(name[end+1:])
		if !ok {
			return nil, false
		}
		return reflect.MapOf(k, e), true
	case strings.HasPrefix(name, "["):
		end := strings.IndexByte(name, ']')
		if end < 0 {
			return nil, false
		}
		n, err := strconv.Atoi(name[1:end])
		if err != nil || n < 0 || n > maxArrayLen {
			return nil, false
		}
		e, ok := r.typeByName(name[end+1:])
		if !ok || (e.Size() > 0 && uintptr(n) > maxArrayBytes/e.Size()) {
			return nil, false
		}
		return reflect.ArrayOf(n, e), true
	}
	if t, ok := nativeTypes[name]; ok {
		return t, true
	}
	if ru := r.ruleForTag(name); ru != nil {
		return ru.typ, true
	}
	return nil, false
}

// closingBracket finds the ']' matching the '[' at open.
func closingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
