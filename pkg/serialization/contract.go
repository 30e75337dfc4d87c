package serialization

import (
	"fmt"
	"reflect"

	"github.com/TNO-MPC/communication/pkg/errs"
)

var (
	ctxType   = reflect.TypeFor[*Context]()
	mapType   = reflect.TypeFor[map[string]any]()
	errorType = reflect.TypeFor[error]()
)

// validateContract checks the shapes documented on RegisterFunc.
func validateContract(typ reflect.Type, ser, de any) error {
	st := reflect.TypeOf(ser)
	if st == nil || st.Kind() != reflect.Func {
		return fmt.Errorf("serialize is %T, not a function", ser)
	}
	if st.NumIn() != 2 || !typ.AssignableTo(st.In(0)) || st.In(1) != ctxType {
		return fmt.Errorf("serialize must accept (%v, *Context), has %v", typ, st)
	}
	if st.NumOut() != 2 || st.Out(0) != mapType || st.Out(1) != errorType {
		return fmt.Errorf("serialize must return (map[string]any, error), has %v", st)
	}
	dt := reflect.TypeOf(de)
	if dt == nil || dt.Kind() != reflect.Func {
		return fmt.Errorf("deserialize is %T, not a function", de)
	}
	if dt.NumIn() != 2 || dt.In(0) != mapType || dt.In(1) != ctxType {
		return fmt.Errorf("deserialize must accept (map[string]any, *Context), has %v", dt)
	}
	if dt.NumOut() != 2 || !dt.Out(0).AssignableTo(typ) || dt.Out(1) != errorType {
		return fmt.Errorf("deserialize must return (%v, error), has %v", typ, dt)
	}
	return nil
}

// callContract invokes fn(a, b) and expects (value, error). Shape mismatches
// that slipped through an unvalidated registration are reported instead of
// panicking.
func callContract(fn, a, b reflect.Value) (out reflect.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.From(errs.ErrInvalidSerializationContract).Op("call").Detail("%v", p).Build()
		}
	}()
	if fn.Kind() != reflect.Func {
		return reflect.Value{}, errs.From(errs.ErrInvalidSerializationContract).Op("call").Detail("not a function: %v", fn).Build()
	}
	res := fn.Call([]reflect.Value{a, b})
	if len(res) != 2 {
		return reflect.Value{}, errs.From(errs.ErrInvalidSerializationContract).Op("call").Detail("%v returns %d values", fn.Type(), len(res)).Build()
	}
	if e, _ := res[1].Interface().(error); e != nil {
		return reflect.Value{}, e
	}
	return res[0], nil
}
