package main

import (
	"fmt"
	"log/slog"

	"github.com/hyperengineering/eventual/internal/config"
	"github.com/hyperengineering/eventual/pkg/storage"
	"github.com/hyperengineering/eventual/pkg/storage/pebblestore"
	"github.com/hyperengineering/eventual/pkg/storage/s3store"
	"github.com/hyperengineering/eventual/pkg/storage/sqlite"
)

// openStorage opens the backend selected by cfg. The returned close function
// is never nil.
func openStorage(cfg config.StorageConfig) (storage.Storage, func() error, error) {
	nop := func() error { return nil }

	var (
		backend any
		closer  = nop
	)
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nop, err
		}
		backend, closer = db, db.Close
	case config.DriverPebble:
		db, err := pebblestore.Open(cfg.Path, pebblestore.Options{})
		if err != nil {
			return nil, nop, err
		}
		backend, closer = db, db.Close
	case config.DriverS3:
		s, err := s3store.New(s3store.Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			return nil, nop, err
		}
		backend = s
	case config.DriverMemory:
		backend = storage.NewMemory()
	default:
		return nil, nop, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	store, err := storage.Adapt(backend)
	if err != nil {
		_ = closer()
		return nil, nop, err
	}
	slog.Debug("storage opened", "component", "cli", "driver", cfg.Driver, "path", cfg.Path)
	return store, closer, nil
}
