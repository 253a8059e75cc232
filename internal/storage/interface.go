// Package storage defines the settings store consumed by the broker and its
// file, redis, mongodb and postgres implementations. Credential and backend
// records are schemaless JSON documents addressed by their unique name; the
// store enforces one record per name, so a repeated save overwrites rather
// than duplicates.
package storage

import (
	"context"
	"errors"
	"time"
)

// Store is the persistence interface for broker records and the short-lived
// cache used by the OAuth transient slot.
type Store interface {
	// Initialize sets up the storage backend.
	Initialize(ctx context.Context) error

	// Close releases the storage backend.
	Close() error

	// Health checks if the storage backend is reachable.
	Health(ctx context.Context) error

	// Credential records
	GetCredential(ctx context.Context, name string) (map[string]interface{}, error)
	SetCredential(ctx context.Context, name string, data map[string]interface{}) error
	DeleteCredential(ctx context.Context, name string) error
	ListCredentials(ctx context.Context) ([]string, error)

	// Backend records
	GetBackend(ctx context.Context, name string) (map[string]interface{}, error)
	SetBackend(ctx context.Context, name string, data map[string]interface{}) error
	DeleteBackend(ctx context.Context, name string) error
	ListBackends(ctx context.Context) ([]string, error)

	// TTL cache (may return ErrNotSupported)
	GetCache(ctx context.Context, key string) ([]byte, error)
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteCache(ctx context.Context, key string) error
}

// ErrNotFound is returned when a record or cache key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "key not found: " + e.Key
}

// ErrNotSupported is returned when a backend does not implement an operation.
type ErrNotSupported struct {
	Operation string
}

func (e *ErrNotSupported) Error() string {
	return "operation not supported: " + e.Operation
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
