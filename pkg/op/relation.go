package op

import (
	"errors"
	"fmt"
	"slices"
)

// ErrRelationTarget indicates relation operations address different target classes.
var ErrRelationTarget = errors.New("relation target class mismatch")

// RelationValue is the local estimate of a relation attribute. Membership lives
// in a remote join, so only the target class is known locally.
type RelationValue struct {
	TargetClass string `json:"className"`
}

// Relation adds and removes object ids from a relation attribute.
type Relation struct {
	TargetClass string
	Adds        []string
	Removes     []string
}

// NewRelation builds a relation operation. An id present in both adds and
// removes cancels out and appears in neither.
func NewRelation(targetClass string, adds, removes []string) Relation {
	r := Relation{TargetClass: targetClass}
	for _, id := range adds {
		if !slices.Contains(removes, id) && !slices.Contains(r.Adds, id) {
			r.Adds = append(r.Adds, id)
		}
	}
	for _, id := range removes {
		if !slices.Contains(adds, id) && !slices.Contains(r.Removes, id) {
			r.Removes = append(r.Removes, id)
		}
	}
	return r
}

// Apply returns the relation descriptor.
func (o Relation) Apply(base any) (any, error) {
	switch b := base.(type) {
	case nil:
	case RelationValue:
		if b.TargetClass != "" && o.TargetClass != "" && b.TargetClass != o.TargetClass {
			return nil, fmt.Errorf("%w: %s vs %s", ErrRelationTarget, b.TargetClass, o.TargetClass)
		}
	default:
		return nil, fmt.Errorf("%w: relation applied to %T", ErrIncompatible, base)
	}
	return RelationValue{TargetClass: o.TargetClass}, nil
}

// MergeWith accumulates adds and removes. A later remove cancels an earlier
// add of the same id and vice versa.
func (o Relation) MergeWith(previous Op) (Op, error) {
	switch prev := previous.(type) {
	case nil:
		return o, nil
	case Set:
		if _, ok := prev.Value.(RelationValue); ok {
			return o, nil
		}
	case Relation:
		if prev.TargetClass != "" && prev.TargetClass != o.TargetClass {
			return nil, fmt.Errorf("%w: %s vs %s", ErrRelationTarget, prev.TargetClass, o.TargetClass)
		}
		merged := Relation{TargetClass: o.TargetClass}
		for _, id := range prev.Adds {
			if !slices.Contains(o.Removes, id) {
				merged.Adds = append(merged.Adds, id)
			}
		}
		for _, id := range o.Adds {
			if !slices.Contains(merged.Adds, id) {
				merged.Adds = append(merged.Adds, id)
			}
		}
		for _, id := range prev.Removes {
			if !slices.Contains(o.Adds, id) {
				merged.Removes = append(merged.Removes, id)
			}
		}
		for _, id := range o.Removes {
			if !slices.Contains(merged.Removes, id) {
				merged.Removes = append(merged.Removes, id)
			}
		}
		return merged, nil
	}
	return nil, incompatible(o, previous)
}
