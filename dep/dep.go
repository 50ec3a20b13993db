/*
package dep provides utilities for dependency injection.
*/
package dep

import (
	"fmt"
	"reflect"
	"runtime"
)

func isNil(t any) bool {
	v := reflect.ValueOf(t)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Required panics, naming the caller, if t is nil.
func Required[T any](t T) T {
	if !isNil(t) {
		return t
	}
	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		panic(fmt.Sprintf("missing required dependency of type %T", t))
	}
	fn := runtime.FuncForPC(pc)
	if fn != nil {
		panic(fmt.Sprintf("missing required dependency in %s (%s:%d)", fn.Name(), file, line))
	}
	panic(fmt.Sprintf("missing required dependency (%s:%d)", file, line))
}

// Or returns t, or fallback if t is nil.
func Or[T any](t T, fallback T) T {
	if isNil(t) {
		return fallback
	}
	return t
}
