// Package op implements the attribute mutations that can be pending against an
// object: replacement, removal, numeric increments, collection edits and
// relation edits. Operations are immutable values; Apply and MergeWith never
// modify their receiver or their arguments.
package op

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompatible indicates two operations on the same attribute cannot be merged.
	ErrIncompatible = errors.New("incompatible operations")

	// ErrNonNumeric indicates an increment was applied to a non-numeric value.
	ErrNonNumeric = errors.New("cannot increment a non-numeric value")

	// ErrNotArray indicates a collection operation was applied to a non-array value.
	ErrNotArray = errors.New("cannot apply collection operation to a non-array value")
)

// Op is a pending mutation of a single attribute.
//
// Apply computes the attribute value after the operation given the value
// before it. A nil base or a nil result means the attribute is undefined.
//
// MergeWith folds the receiver (the newer operation) over previous (the older
// operation on the same attribute) and returns a single equivalent operation.
// A nil previous returns the receiver unchanged.
type Op interface {
	Apply(base any) (any, error)
	MergeWith(previous Op) (Op, error)
}

// Set replaces the attribute value.
type Set struct {
	Value any
}

// Unset removes the attribute.
type Unset struct{}

// Increment adds Amount to a numeric attribute. An undefined attribute counts as zero.
type Increment struct {
	Amount float64
}

// Add appends Objects to an array attribute, duplicates allowed.
type Add struct {
	Objects []any
}

// AddUnique appends the Objects not already present in an array attribute.
type AddUnique struct {
	Objects []any
}

// Remove deletes every element equal to one of Objects from an array attribute.
type Remove struct {
	Objects []any
}

// Apply returns the replacement value.
func (o Set) Apply(base any) (any, error) {
	return o.Value, nil
}

// MergeWith discards previous; replacement is absolute.
func (o Set) MergeWith(previous Op) (Op, error) {
	return o, nil
}

// Apply returns undefined.
func (o Unset) Apply(base any) (any, error) {
	return nil, nil
}

// MergeWith discards previous.
func (o Unset) MergeWith(previous Op) (Op, error) {
	return o, nil
}

// Apply adds the increment to base.
func (o Increment) Apply(base any) (any, error) {
	if base == nil {
		return o.Amount, nil
	}
	n, ok := toFloat(base)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNonNumeric, base)
	}
	return n + o.Amount, nil
}

// MergeWith sums increments and folds into a preceding Set or Unset.
func (o Increment) MergeWith(previous Op) (Op, error) {
	switch prev := previous.(type) {
	case nil:
		return o, nil
	case Set:
		v, err := o.Apply(prev.Value)
		if err != nil {
			return nil, err
		}
		return Set{Value: v}, nil
	case Unset:
		return Set{Value: o.Amount}, nil
	case Increment:
		return Increment{Amount: prev.Amount + o.Amount}, nil
	}
	return nil, incompatible(o, previous)
}

// Apply appends the objects to base.
func (o Add) Apply(base any) (any, error) {
	arr, err := toArray(base)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(arr)+len(o.Objects))
	out = append(out, arr...)
	return append(out, o.Objects...), nil
}

// MergeWith concatenates consecutive adds and folds into a preceding Set or Unset.
func (o Add) MergeWith(previous Op) (Op, error) {
	switch prev := previous.(type) {
	case nil:
		return o, nil
	case Set:
		v, err := o.Apply(prev.Value)
		if err != nil {
			return nil, err
		}
		return Set{Value: v}, nil
	case Unset:
		return Set{Value: cloneArray(o.Objects)}, nil
	case Add:
		objects := make([]any, 0, len(prev.Objects)+len(o.Objects))
		objects = append(objects, prev.Objects...)
		return Add{Objects: append(objects, o.Objects...)}, nil
	}
	return nil, incompatible(o, previous)
}

// Apply appends the objects not already present in base.
func (o AddUnique) Apply(base any) (any, error) {
	arr, err := toArray(base)
	if err != nil {
		return nil, err
	}
	out := cloneArray(arr)
	for _, obj := range o.Objects {
		if indexOf(out, obj) < 0 {
			out = append(out, obj)
		}
	}
	return out, nil
}

// MergeWith unions consecutive unique adds and folds into a preceding Set or Unset.
func (o AddUnique) MergeWith(previous Op) (Op, error) {
	switch prev := previous.(type) {
	case nil:
		return o, nil
	case Set:
		v, err := o.Apply(prev.Value)
		if err != nil {
			return nil, err
		}
		return Set{Value: v}, nil
	case Unset:
		v, _ := o.Apply(nil)
		return Set{Value: v}, nil
	case AddUnique:
		v, _ := o.Apply(prev.Objects)
		return AddUnique{Objects: v.([]any)}, nil
	}
	return nil, incompatible(o, previous)
}

// Apply removes every element of base equal to one of the objects.
func (o Remove) Apply(base any) (any, error) {
	arr, err := toArray(base)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(arr))
	for _, v := range arr {
		if indexOf(o.Objects, v) < 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

// MergeWith unions consecutive removals and folds into a preceding Set or Unset.
func (o Remove) MergeWith(previous Op) (Op, error) {
	switch prev := previous.(type) {
	case nil:
		return o, nil
	case Set:
		v, err := o.Apply(prev.Value)
		if err != nil {
			return nil, err
		}
		return Set{Value: v}, nil
	case Unset:
		return prev, nil
	case Remove:
		objects := cloneArray(prev.Objects)
		for _, obj := range o.Objects {
			if indexOf(objects, obj) < 0 {
				objects = append(objects, obj)
			}
		}
		return Remove{Objects: objects}, nil
	}
	return nil, incompatible(o, previous)
}

func incompatible(newer, older Op) error {
	return fmt.Errorf("%w: cannot merge %s with previous %s", ErrIncompatible, Name(newer), Name(older))
}

// Name returns the wire name of an operation.
func Name(o Op) string {
	switch o.(type) {
	case Set:
		return "Set"
	case Unset:
		return "Delete"
	case Increment:
		return "Increment"
	case Add:
		return "Add"
	case AddUnique:
		return "AddUnique"
	case Remove:
		return "Remove"
	case Relation:
		return "Relation"
	case nil:
		return "nil"
	}
	return fmt.Sprintf("%T", o)
}

// Fold merges ops oldest to newest into a single operation.
func Fold(ops ...Op) (Op, error) {
	var acc Op
	for _, o := range ops {
		if o == nil {
			continue
		}
		merged, err := o.MergeWith(acc)
		if err != nil {
			return nil, err
		}
		acc = merged
	}
	return acc, nil
}
