//
// Copyright (C) 2025 The stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//

package graph

import (
	"reflect"
	"time"
)

// deepCopyAny deep-copies common JSON-serializable Go types so mutable
// references (maps/slices) are never shared across goroutines or with a
// saver that serializes concurrently.
func deepCopyAny(value any) any {
	if out, ok := deepCopyFastPath(value); ok {
		return out
	}
	visited := make(map[uintptr]any)
	return deepCopyReflect(reflect.ValueOf(value), visited)
}

// deepCopyFastPath handles the common shapes without reflection.
func deepCopyFastPath(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case string, bool, int, int64, float64:
		return v, true
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, vv := range v {
			copied[k] = deepCopyAny(vv)
		}
		return copied, true
	case []any:
		copied := make([]any, len(v))
		for i := range v {
			copied[i] = deepCopyAny(v[i])
		}
		return copied, true
	case []string:
		copied := make([]string, len(v))
		copy(copied, v)
		return copied, true
	case []int:
		copied := make([]int, len(v))
		copy(copied, v)
		return copied, true
	case []float64:
		copied := make([]float64, len(v))
		copy(copied, v)
		return copied, true
	case time.Time:
		return v, true
	}
	return nil, false
}

// deepCopyReflect copies arbitrary values with cycle detection.
func deepCopyReflect(rv reflect.Value, visited map[uintptr]any) any {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return deepCopyReflect(rv.Elem(), visited)
	case reflect.Ptr:
		return copyPointer(rv, visited)
	case reflect.Map:
		return copyMapValue(rv, visited)
	case reflect.Slice:
		return copySliceValue(rv, visited)
	case reflect.Array:
		return copyArrayValue(rv, visited)
	case reflect.Struct:
		return copyStructValue(rv, visited)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return reflect.Zero(rv.Type()).Interface()
	default:
		return rv.Interface()
	}
}

func copyPointer(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return nil
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	elem := rv.Elem()
	newPtr := reflect.New(elem.Type())
	visited[ptr] = newPtr.Interface()
	copied := deepCopyReflect(elem, visited)
	if copied != nil {
		cv := reflect.ValueOf(copied)
		if cv.Type().AssignableTo(elem.Type()) {
			newPtr.Elem().Set(cv)
		}
	}
	return newPtr.Interface()
}

func copyMapValue(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	newMap := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	visited[ptr] = newMap.Interface()
	elemType := rv.Type().Elem()
	for _, mk := range rv.MapKeys() {
		copied := deepCopyReflect(rv.MapIndex(mk), visited)
		newMap.SetMapIndex(mk, assignableValue(copied, elemType))
	}
	return newMap.Interface()
}

func copySliceValue(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	newSlice := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	elemType := rv.Type().Elem()
	for i := 0; i < rv.Len(); i++ {
		copied := deepCopyReflect(rv.Index(i), visited)
		newSlice.Index(i).Set(assignableValue(copied, elemType))
	}
	return newSlice.Interface()
}

func copyArrayValue(rv reflect.Value, visited map[uintptr]any) any {
	newArray := reflect.New(rv.Type()).Elem()
	elemType := rv.Type().Elem()
	for i := 0; i < rv.Len(); i++ {
		copied := deepCopyReflect(rv.Index(i), visited)
		newArray.Index(i).Set(assignableValue(copied, elemType))
	}
	return newArray.Interface()
}

func copyStructValue(rv reflect.Value, visited map[uintptr]any) any {
	newStruct := reflect.New(rv.Type()).Elem()
	for i := 0; i < rv.NumField(); i++ {
		field := newStruct.Field(i)
		if !field.CanSet() {
			continue
		}
		copied := deepCopyReflect(rv.Field(i), visited)
		field.Set(assignableValue(copied, field.Type()))
	}
	return newStruct.Interface()
}

// assignableValue wraps a copied value for assignment into typed
// containers, falling back to the type's zero value when the copy lost
// assignability.
func assignableValue(copied any, target reflect.Type) reflect.Value {
	if copied == nil {
		return reflect.Zero(target)
	}
	cv := reflect.ValueOf(copied)
	if cv.Type().AssignableTo(target) {
		return cv
	}
	if target.Kind() == reflect.Interface {
		return cv
	}
	return reflect.Zero(target)
}

// deepCopyMap deep-copies a map[string]any.
func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyAny(v)
	}
	return dst
}

// deepCopySlice deep-copies a []any.
func deepCopySlice(src []any) []any {
	if src == nil {
		return nil
	}
	dst := make([]any, len(src))
	for i := range src {
		dst[i] = deepCopyAny(src[i])
	}
	return dst
}

// deepCopyStringSlice copies a []string.
func deepCopyStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
