// Package storage is the key/value persistence used by the offline queue.
//
// Backends implement either SyncStore (immediate local stores) or AsyncStore
// (context-aware stores that may block on I/O). The queue only talks to the
// Storage interface; FromSync and FromAsync adapt a backend to it and fail
// fast when a required method is missing.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingMethod is returned when a backend does not provide an
	// operation the storage controller requires.
	ErrMissingMethod = errors.New("storage backend is missing a required method")

	// ErrClosed is returned by backends used after Close.
	ErrClosed = errors.New("storage is closed")
)

// Storage is the contract the queue relies on. Get reports whether the key
// exists; a missing key is not an error.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// SyncStore is a backend whose operations complete without blocking on
// remote I/O, such as an embedded database or memory.
type SyncStore interface {
	GetItem(key string) ([]byte, bool, error)
	SetItem(key string, value []byte) error
	RemoveItem(key string) error
}

// SyncKeyLister is implemented by sync backends that can enumerate keys.
type SyncKeyLister interface {
	Keys() ([]string, error)
}

// SyncClearer is implemented by sync backends that can drop every key.
type SyncClearer interface {
	Clear() error
}

// AsyncStore is a backend whose operations may wait on I/O.
type AsyncStore interface {
	GetItemAsync(ctx context.Context, key string) ([]byte, bool, error)
	SetItemAsync(ctx context.Context, key string, value []byte) error
	RemoveItemAsync(ctx context.Context, key string) error
}

// AsyncKeyLister is implemented by async backends that can enumerate keys.
type AsyncKeyLister interface {
	KeysAsync(ctx context.Context) ([]string, error)
}

// AsyncClearer is implemented by async backends that can drop every key.
type AsyncClearer interface {
	ClearAsync(ctx context.Context) error
}

// Path namespaces key under an application id, so several applications can
// share one backend.
func Path(appID, key string) string {
	if appID == "" {
		appID = "default"
	}
	return "eventual/" + appID + "/" + key
}

// StripPath returns key without the namespace of appID, and whether key was
// in that namespace.
func StripPath(appID, key string) (string, bool) {
	return strings.CutPrefix(key, Path(appID, ""))
}

// Adapt returns backend as a Storage, wrapping an AsyncStore or SyncStore
// backend as needed. It fails with ErrMissingMethod when backend satisfies
// none of the contracts.
func Adapt(backend any) (Storage, error) {
	switch b := backend.(type) {
	case nil:
		return nil, fmt.Errorf("%w: no storage backend", ErrMissingMethod)
	case Storage:
		return b, nil
	case AsyncStore:
		return FromAsync(b)
	}
	return FromSync(backend)
}

// FromSync adapts a synchronous backend. It fails with ErrMissingMethod when
// backend does not also support key listing and clearing.
func FromSync(backend any) (Storage, error) {
	store, ok := backend.(SyncStore)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement GetItem, SetItem and RemoveItem", ErrMissingMethod, backend)
	}
	lister, ok := backend.(SyncKeyLister)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement Keys", ErrMissingMethod, backend)
	}
	clearer, ok := backend.(SyncClearer)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement Clear", ErrMissingMethod, backend)
	}
	return &syncAdapter{store: store, lister: lister, clearer: clearer}, nil
}

// FromAsync adapts an asynchronous backend. It fails with ErrMissingMethod
// when backend does not also support key listing and clearing.
func FromAsync(backend any) (Storage, error) {
	store, ok := backend.(AsyncStore)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement GetItemAsync, SetItemAsync and RemoveItemAsync", ErrMissingMethod, backend)
	}
	lister, ok := backend.(AsyncKeyLister)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement KeysAsync", ErrMissingMethod, backend)
	}
	clearer, ok := backend.(AsyncClearer)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement ClearAsync", ErrMissingMethod, backend)
	}
	return &asyncAdapter{store: store, lister: lister, clearer: clearer}, nil
}

type syncAdapter struct {
	store   SyncStore
	lister  SyncKeyLister
	clearer SyncClearer
}

func (a *syncAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return a.store.GetItem(key)
}

func (a *syncAdapter) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.store.SetItem(key, value)
}

func (a *syncAdapter) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.store.RemoveItem(key)
}

func (a *syncAdapter) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.lister.Keys()
}

func (a *syncAdapter) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.clearer.Clear()
}

type asyncAdapter struct {
	store   AsyncStore
	lister  AsyncKeyLister
	clearer AsyncClearer
}

func (a *asyncAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return a.store.GetItemAsync(ctx, key)
}

func (a *asyncAdapter) Set(ctx context.Context, key string, value []byte) error {
	return a.store.SetItemAsync(ctx, key, value)
}

func (a *asyncAdapter) Remove(ctx context.Context, key string) error {
	return a.store.RemoveItemAsync(ctx, key)
}

func (a *asyncAdapter) Keys(ctx context.Context) ([]string, error) {
	return a.lister.KeysAsync(ctx)
}

func (a *asyncAdapter) Clear(ctx context.Context) error {
	return a.clearer.ClearAsync(ctx)
}
