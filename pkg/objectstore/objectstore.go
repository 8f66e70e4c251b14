// Package objectstore abstracts the S3-compatible store that holds
// materialized datasets and export artifacts.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// Store is the minimal put/get/delete/presign surface the dataset subsystem
// needs. Implementations: MinIO-backed for deployments, in-memory for tests.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under the given key prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// PresignGet returns a time-limited download URL for the key.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
