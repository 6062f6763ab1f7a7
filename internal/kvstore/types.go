// Package kvstore persists small JSON blobs between panel sessions.
package kvstore

import (
	"context"
	"errors"
)

var ErrEmptyKey = errors.New("kvstore: empty key")

// Store reads and writes JSON-serializable values by key.
type Store interface {
	// Get decodes the value stored under key into out. It reports false when
	// the key is absent.
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Close() error
}
