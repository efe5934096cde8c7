package devserver

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/eventual/pkg/op"
)

var (
	// ErrNotFound is returned for an unknown object.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidOperation is returned when an operation cannot be applied to
	// the stored value.
	ErrInvalidOperation = errors.New("invalid operation")
)

const tableObjects = "objects"

// Record is one stored object. Records inside the database are immutable;
// writes insert a modified copy.
type Record struct {
	Key        string
	ClassName  string
	ObjectID   string
	Attributes map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JSON returns the wire form of the record.
func (r *Record) JSON() map[string]any {
	out := make(map[string]any, len(r.Attributes)+3)
	maps.Copy(out, r.Attributes)
	out["objectId"] = r.ObjectID
	out["createdAt"] = r.CreatedAt.Format(time.RFC3339Nano)
	out["updatedAt"] = r.UpdatedAt.Format(time.RFC3339Nano)
	return out
}

func recordKey(className, objectID string) string {
	return className + "/" + objectID
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableObjects: {
				Name: tableObjects,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"class": {
						Name:    "class",
						Indexer: &memdb.StringFieldIndex{Field: "ClassName"},
					},
				},
			},
		},
	}
}

// Store is an in-memory object table.
type Store struct {
	db    *memdb.MemDB
	now   func() time.Time
	newID func() string
}

// NewStore returns an empty store.
func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create object table: %w", err)
	}
	return &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return ulid.Make().String() },
	}, nil
}

// Create stores a new object built by applying ops to an empty object. It
// returns the record and the values of attributes that were not plainly set.
func (s *Store) Create(className string, ops op.Map) (*Record, map[string]any, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := s.now()
	rec := &Record{
		ClassName:  className,
		ObjectID:   s.newID(),
		Attributes: map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec.Key = recordKey(className, rec.ObjectID)
	derived, err := applyOps(rec.Attributes, ops)
	if err != nil {
		return nil, nil, err
	}
	if err := txn.Insert(tableObjects, rec); err != nil {
		return nil, nil, fmt.Errorf("insert object: %w", err)
	}
	txn.Commit()
	return rec, derived, nil
}

// Update applies ops to an existing object.
func (s *Store) Update(className, objectID string, ops op.Map) (*Record, map[string]any, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := lookup(txn, className, objectID)
	if err != nil {
		return nil, nil, err
	}
	rec := *current
	rec.Attributes = maps.Clone(current.Attributes)
	rec.UpdatedAt = s.now()
	derived, err := applyOps(rec.Attributes, ops)
	if err != nil {
		return nil, nil, err
	}
	if err := txn.Insert(tableObjects, &rec); err != nil {
		return nil, nil, fmt.Errorf("update object: %w", err)
	}
	txn.Commit()
	return &rec, derived, nil
}

// Get returns an object.
func (s *Store) Get(className, objectID string) (*Record, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return lookup(txn, className, objectID)
}

// Delete removes an object.
func (s *Store) Delete(className, objectID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	rec, err := lookup(txn, className, objectID)
	if err != nil {
		return err
	}
	if err := txn.Delete(tableObjects, rec); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	txn.Commit()
	return nil
}

// List returns the objects of className ordered by id.
func (s *Store) List(className string) ([]*Record, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableObjects, "class", className)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	var out []*Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*Record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out, nil
}

// Count returns the number of stored objects.
func (s *Store) Count() (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableObjects, "id")
	if err != nil {
		return 0, fmt.Errorf("count objects: %w", err)
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}

func lookup(txn *memdb.Txn, className, objectID string) (*Record, error) {
	raw, err := txn.First(tableObjects, "id", recordKey(className, objectID))
	if err != nil {
		return nil, fmt.Errorf("lookup object: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*Record), nil
}

// applyOps applies ops to attrs in place. Values produced by operations other
// than Set are returned so the client learns the authoritative result.
func applyOps(attrs map[string]any, ops op.Map) (map[string]any, error) {
	derived := map[string]any{}
	for _, attr := range ops.Keys() {
		o := ops[attr]
		v, err := o.Apply(attrs[attr])
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %s: %v", ErrInvalidOperation, attr, err)
		}
		if v == nil {
			delete(attrs, attr)
		} else {
			attrs[attr] = v
		}
		if _, plain := o.(op.Set); !plain {
			derived[attr] = v
		}
	}
	return derived, nil
}
