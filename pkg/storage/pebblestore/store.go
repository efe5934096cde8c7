// Package pebblestore is a durable storage backend on an embedded Pebble LSM store.
package pebblestore

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/hyperengineering/eventual/pkg/storage"
)

// Store keeps key/value items in a Pebble database. Writes are synced before
// they return.
type Store struct {
	db *pebble.DB
}

var (
	_ storage.SyncStore     = (*Store)(nil)
	_ storage.SyncKeyLister = (*Store)(nil)
	_ storage.SyncClearer   = (*Store)(nil)
)

// Options tune Open.
type Options struct {
	// FS overrides the filesystem; vfs.NewMem() gives a throwaway store.
	FS vfs.FS
}

// Open opens or creates the database in dir.
func Open(dir string, o Options) (*Store, error) {
	opts := &pebble.Options{}
	if o.FS != nil {
		opts.FS = o.FS
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return storage.ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// GetItem returns a copy of the value stored under key.
func (s *Store) GetItem(key string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, storage.ErrClosed
	}
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// SetItem stores value under key.
func (s *Store) SetItem(key string, value []byte) error {
	if s.db == nil {
		return storage.ErrClosed
	}
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// RemoveItem deletes key.
func (s *Store) RemoveItem(key string) error {
	if s.db == nil {
		return storage.ErrClosed
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys returns every key in byte order.
func (s *Store) Keys() ([]string, error) {
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	defer it.Close()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	return keys, it.Error()
}

// Clear deletes every key in one batch.
func (s *Store) Clear() error {
	keys, err := s.Keys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete([]byte(k), nil); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}
