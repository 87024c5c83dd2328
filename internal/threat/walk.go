package threat

import (
	"reflect"
)

type visitKey struct {
	ptr uintptr
	len int
	typ reflect.Type
}

// Collect flattens payload into every string it contains. Maps, slices,
// arrays, pointers, interfaces and exported struct fields are descended into.
// Each composite node is visited at most once, so cyclic or shared structures
// terminate.
func Collect(payload any) []string {
	w := walker{visited: make(map[visitKey]struct{})}
	w.walk(reflect.ValueOf(payload))
	return w.out
}

type walker struct {
	visited map[visitKey]struct{}
	out     []string
}

// seen marks the node and reports whether it had been visited before.
func (w *walker) seen(v reflect.Value) bool {
	key := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, ok := w.visited[key]; ok {
		return true
	}
	w.visited[key] = struct{}{}
	return false
}

func (w *walker) walk(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		w.out = append(w.out, v.String())

	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem())
		}

	case reflect.Pointer:
		if v.IsNil() || w.seen(v) {
			return
		}
		w.walk(v.Elem())

	case reflect.Map:
		if v.IsNil() || w.seen(v) {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			w.walk(iter.Value())
		}

	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 || w.seen(v) {
			return
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// Raw bytes are not a decoded structure.
			return
		}
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}

	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			w.walk(v.Field(i))
		}
	}
}
