// Package localstore provides durable local key/binary-value storage for the
// thumbnail cache. Keys are opaque strings; implementations must accept any
// key the cache produces, including ones containing path separators or URL
// characters.
package localstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the interface for local persistent stores.
// Implementations must be safe for concurrent use.
type Store interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
