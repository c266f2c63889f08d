// Package storage provides the string key-value store the client persists
// credentials, cached responses and profile snapshots into. It mirrors the
// semantics of a browser's localStorage so entries written by either side
// stay interchangeable.
package storage

import (
	"context"
	"errors"
)

// Store defines the interface for a string-keyed, string-valued persistent store.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetItem returns the value stored under key, or ErrNotFound.
	GetItem(ctx context.Context, key string) (string, error)

	// SetItem stores value under key. Implementations with a size limit
	// return an error wrapping ErrQuotaExceeded when the write does not fit.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// Keys lists every stored key starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Describer is implemented by stores that can name where they keep their data.
// It is used for status output and debugging.
type Describer interface {
	GetStoragePath() string
}

// Sentinel errors for storage operations
var (
	ErrNotFound      = errors.New("storage item not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrCorrupted     = errors.New("storage data corrupted")
	ErrPermission    = errors.New("storage permission denied")
)

// entrySize is the number of bytes an entry counts against a quota.
func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}
