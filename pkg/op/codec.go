package op

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidEncoding indicates an encoded operation could not be decoded.
var ErrInvalidEncoding = errors.New("invalid operation encoding")

// Encode converts an operation into its JSON-compatible wire form. Set is
// encoded as the bare value; every other operation as an {"__op": ...} object.
func Encode(o Op) any {
	switch v := o.(type) {
	case Set:
		return v.Value
	case Unset:
		return map[string]any{"__op": "Delete"}
	case Increment:
		return map[string]any{"__op": "Increment", "amount": v.Amount}
	case Add:
		return map[string]any{"__op": "Add", "objects": nonNil(v.Objects)}
	case AddUnique:
		return map[string]any{"__op": "AddUnique", "objects": nonNil(v.Objects)}
	case Remove:
		return map[string]any{"__op": "Remove", "objects": nonNil(v.Objects)}
	case Relation:
		var ops []any
		if len(v.Adds) > 0 {
			ops = append(ops, relationOp("AddRelation", v.TargetClass, v.Adds))
		}
		if len(v.Removes) > 0 {
			ops = append(ops, relationOp("RemoveRelation", v.TargetClass, v.Removes))
		}
		if len(ops) == 1 {
			return ops[0]
		}
		return map[string]any{"__op": "Batch", "ops": nonNil(ops)}
	}
	return nil
}

func relationOp(name, class string, ids []string) map[string]any {
	objects := make([]any, len(ids))
	for i, id := range ids {
		objects[i] = Pointer{ClassName: class, ObjectID: id}
	}
	return map[string]any{"__op": name, "objects": objects}
}

func nonNil(a []any) []any {
	if a == nil {
		return []any{}
	}
	return a
}

// Decode converts a decoded JSON value back into an operation. Values that
// are not {"__op": ...} objects decode as Set.
func Decode(raw any) (Op, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Set{Value: DecodeValue(raw)}, nil
	}
	name, ok := m["__op"].(string)
	if !ok {
		return Set{Value: DecodeValue(raw)}, nil
	}
	switch name {
	case "Delete":
		return Unset{}, nil
	case "Increment":
		n, ok := toFloat(m["amount"])
		if !ok {
			return nil, fmt.Errorf("%w: increment amount %v", ErrInvalidEncoding, m["amount"])
		}
		return Increment{Amount: n}, nil
	case "Add", "AddUnique", "Remove":
		objects, err := decodeObjects(m["objects"])
		if err != nil {
			return nil, err
		}
		switch name {
		case "Add":
			return Add{Objects: objects}, nil
		case "AddUnique":
			return AddUnique{Objects: objects}, nil
		}
		return Remove{Objects: objects}, nil
	case "AddRelation", "RemoveRelation":
		class, ids, err := decodeRelationTargets(m["objects"])
		if err != nil {
			return nil, err
		}
		if name == "AddRelation" {
			return NewRelation(class, ids, nil), nil
		}
		return NewRelation(class, nil, ids), nil
	case "Batch":
		list, ok := m["ops"].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: batch without ops", ErrInvalidEncoding)
		}
		var acc Op
		for _, item := range list {
			o, err := Decode(item)
			if err != nil {
				return nil, err
			}
			if acc, err = o.MergeWith(acc); err != nil {
				return nil, err
			}
		}
		return acc, nil
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidEncoding, name)
}

func decodeObjects(raw any) ([]any, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: objects must be an array", ErrInvalidEncoding)
	}
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = DecodeValue(v)
	}
	return out, nil
}

func decodeRelationTargets(raw any) (string, []string, error) {
	objects, err := decodeObjects(raw)
	if err != nil {
		return "", nil, err
	}
	var class string
	ids := make([]string, 0, len(objects))
	for _, o := range objects {
		p, ok := o.(Pointer)
		if !ok {
			return "", nil, fmt.Errorf("%w: relation target must be a pointer", ErrInvalidEncoding)
		}
		if class != "" && p.ClassName != class {
			return "", nil, fmt.Errorf("%w: %s vs %s", ErrRelationTarget, class, p.ClassName)
		}
		class = p.ClassName
		ids = append(ids, p.ObjectID)
	}
	return class, ids, nil
}

// DecodeValue restores typed values ({"__type": "Pointer"} and
// {"__type": "Relation"}) inside a decoded JSON value.
func DecodeValue(raw any) any {
	switch v := raw.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = DecodeValue(e)
		}
		return out
	case map[string]any:
		switch v["__type"] {
		case "Pointer":
			class, _ := v["className"].(string)
			id, _ := v["objectId"].(string)
			return Pointer{ClassName: class, ObjectID: id}
		case "Relation":
			class, _ := v["className"].(string)
			return RelationValue{TargetClass: class}
		}
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = DecodeValue(e)
		}
		return out
	}
	return raw
}

// Map holds one operation per attribute.
type Map map[string]Op

// Keys returns the attribute names in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy. Operations are immutable so sharing them is safe.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes every operation in its wire form.
func (m Map) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Encode(v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes operations from their wire form.
func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Map, len(raw))
	for k, v := range raw {
		o, err := Decode(v)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = o
	}
	*m = out
	return nil
}

// Equal reports whether two operations have the same wire form.
func Equal(a, b Op) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ea, err := json.Marshal(Encode(a))
	if err != nil {
		return false
	}
	eb, err := json.Marshal(Encode(b))
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb) && Name(a) == Name(b)
}
