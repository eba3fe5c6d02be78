// Package storage defines the durable key/value medium the offline queue
// persists through. Backends live in the subpackages.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key has never been set or was deleted.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("store is closed")
)

// KeyValueStore is a durable map from string keys to opaque blobs.
// Set replaces the whole value. Implementations must be safe for concurrent use.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
