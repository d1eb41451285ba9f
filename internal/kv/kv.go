// Package kv holds the key-value stores the repository persists its
// JSON collections into.
package kv

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Store maps string keys to raw JSON documents. Implementations are not
// expected to coordinate multiple writers.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
