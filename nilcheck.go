package pool

import "reflect"

// isNilValue reports whether v is a nil pointer, interface, map, slice,
// chan or func. Allocators are generic over T, so the only way to detect
// "returned nil" for pointer-like T is via reflection; value types (structs,
// ints, etc.) can never be nil and always report false.
func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}
