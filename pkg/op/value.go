package op

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Pointer references another object by class and id. Collections compare
// pointers by identity, not by attribute contents.
type Pointer struct {
	ClassName string
	ObjectID  string
}

type pointerJSON struct {
	Type      string `json:"__type"`
	ClassName string `json:"className"`
	ObjectID  string `json:"objectId"`
}

// MarshalJSON encodes the pointer in the {"__type": "Pointer"} form.
func (p Pointer) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointerJSON{Type: "Pointer", ClassName: p.ClassName, ObjectID: p.ObjectID})
}

// MarshalJSON encodes the relation descriptor in the {"__type": "Relation"} form.
func (r RelationValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"__type"`
		ClassName string `json:"className"`
	}{Type: "Relation", ClassName: r.TargetClass})
}

// ValuesEqual reports whether two attribute values are equal. Numbers compare
// by value regardless of their Go type.
func ValuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !ValuesEqual(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toArray(v any) ([]any, error) {
	switch a := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return a, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %T", ErrNotArray, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func cloneArray(a []any) []any {
	out := make([]any, len(a))
	copy(out, a)
	return out
}

func indexOf(arr []any, v any) int {
	for i, e := range arr {
		if ValuesEqual(e, v) {
			return i
		}
	}
	return -1
}
