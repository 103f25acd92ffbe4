package test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

// AssertDeepCopyEqual checks that a and b hold the same values without sharing
// any memory, which is what accessors returning copies of internal state have
// to guarantee.
func AssertDeepCopyEqual(t *testing.T, a, b any) bool {
	t.Helper()
	v1, v2 := reflect.ValueOf(a), reflect.ValueOf(b)
	if !assert.Equal(t, v1.Type(), v2.Type()) {
		return false
	}
	return traverseDeepCopy(t, v1, v2, v1.Type().String())
}

func traverseDeepCopy(t *testing.T, v1, v2 reflect.Value, name string) bool {
	t.Helper()
	switch v1.Kind() {
	case reflect.Array:
		for i := range v1.Len() {
			if !traverseDeepCopy(t, v1.Index(i), v2.Index(i), fmt.Sprintf("%s[%d]", name, i)) {
				return false
			}
		}
		return true

	case reflect.Slice:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}
		if !assert.Equal(t, v1.Len(), v2.Len(), "%s did not have the same length", name) {
			return false
		}
		if v1.Cap() > 0 && v2.Cap() > 0 && overlaps(v1, v2) {
			return assert.Fail(t, "shared memory", "%s share some underlying memory", name)
		}
		for i := range v1.Len() {
			if !traverseDeepCopy(t, v1.Index(i), v2.Index(i), fmt.Sprintf("%s[%d]", name, i)) {
				return false
			}
		}
		return true

	case reflect.Interface:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}
		return traverseDeepCopy(t, v1.Elem(), v2.Elem(), name)

	case reflect.Pointer:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}
		if !assert.NotEqual(t, v1.Pointer(), v2.Pointer(), "%s points to the same memory", name) {
			return false
		}
		return traverseDeepCopy(t, v1.Elem(), v2.Elem(), name)

	case reflect.Struct:
		for i := range v1.NumField() {
			if !traverseDeepCopy(t, v1.Field(i), v2.Field(i), name+"."+v1.Type().Field(i).Name) {
				return false
			}
		}
		return true

	case reflect.Map:
		if v1.IsNil() || v2.IsNil() {
			return assert.Equal(t, v1.IsNil(), v2.IsNil(), "%s are not both nil", name)
		}
		if !assert.Equal(t, v1.Len(), v2.Len(), "%s are not the same length", name) {
			return false
		}
		if !assert.NotEqual(t, v1.Pointer(), v2.Pointer(), "%s point to the same memory", name) {
			return false
		}
		for _, k := range v1.MapKeys() {
			val2 := v2.MapIndex(k)
			if !assert.True(t, val2.IsValid(), "%v is missing in %s", k, name) {
				return false
			}
			if !traverseDeepCopy(t, v1.MapIndex(k), val2, fmt.Sprintf("%s[%v]", name, k)) {
				return false
			}
		}
		return true

	default:
		return assert.True(t, v1.Equal(v2), "%s was not equal: %v != %v", name, v1, v2)
	}
}

// overlaps reports whether the backing arrays of two slices intersect.
func overlaps(v1, v2 reflect.Value) bool {
	size := v1.Type().Elem().Size()
	start1, start2 := v1.Pointer(), v2.Pointer()
	end1 := start1 + uintptr(v1.Cap())*size
	end2 := start2 + uintptr(v2.Cap())*size
	return start1 < end2 && start2 < end1
}
