// Package s3store is a storage backend on an S3-compatible object store.
// Each key is one object under a configurable prefix. It lets several
// processes share a durable queue without a local disk.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/eventual/pkg/storage"
)

// ErrNotConfigured is returned by New when no bucket is configured.
var ErrNotConfigured = errors.New("s3 storage not configured")

// Config locates the bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// UseSSL defaults to true when nil.
	UseSSL *bool
	// Prefix is prepended to every object key.
	Prefix string
}

// s3Client is the subset of minio.Client operations the store uses.
type s3Client interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, bool, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// minioClientWrapper adapts *minio.Client to s3Client.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := w.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (w *minioClientWrapper) GetObject(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	obj, err := w.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (w *minioClientWrapper) RemoveObject(ctx context.Context, bucket, key string) error {
	return w.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (w *minioClientWrapper) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for info := range w.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

// Store is an AsyncStore backed by S3 objects.
type Store struct {
	client s3Client
	bucket string
	prefix string
}

var (
	_ storage.AsyncStore     = (*Store)(nil)
	_ storage.AsyncKeyLister = (*Store)(nil)
	_ storage.AsyncClearer   = (*Store)(nil)
)

// New creates a Store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return newStore(&minioClientWrapper{client: client}, cfg.Bucket, cfg.Prefix), nil
}

func newStore(client s3Client, bucket, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key
}

// GetItemAsync downloads the object for key.
func (s *Store) GetItemAsync(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("get %s from S3: %w", key, err)
	}
	return data, ok, nil
}

// SetItemAsync uploads value as the object for key.
func (s *Store) SetItemAsync(ctx context.Context, key string, value []byte) error {
	if err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), value); err != nil {
		return fmt.Errorf("put %s to S3: %w", key, err)
	}
	return nil
}

// RemoveItemAsync deletes the object for key.
func (s *Store) RemoveItemAsync(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(key)); err != nil {
		return fmt.Errorf("remove %s from S3: %w", key, err)
	}
	return nil
}

// KeysAsync lists the keys under the store's prefix.
func (s *Store) KeysAsync(ctx context.Context) ([]string, error) {
	objects, err := s.client.ListObjects(ctx, s.bucket, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list S3 objects: %w", err)
	}
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, strings.TrimPrefix(o, s.prefix))
	}
	return keys, nil
}

// ClearAsync removes every object under the store's prefix.
func (s *Store) ClearAsync(ctx context.Context) error {
	keys, err := s.KeysAsync(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.RemoveItemAsync(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
