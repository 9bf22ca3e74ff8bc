// Package store is the durable key-value layer behind locally persisted
// checkout state.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: key not found")

// KV is the persistence adapter contract. Writes replace the whole value.
// A zero ttl means the entry does not expire.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
