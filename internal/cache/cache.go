// Package cache provides the key-value store used for limits, profiles,
// sessions, tier configuration, and the durable usage retry queue.
package cache

import (
	"context"
	"time"
)

// Cache is a uniform key -> value store with per-entry TTL plus FIFO list
// operations for the durable retry queue. The memory variant serves tests and
// single-node deployments; the Redis variant serves production.
type Cache interface {
	// Get retrieves a value by key. The bool reports presence; a miss is not
	// an error. Backend failures return a non-nil error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// ListPush appends values to the tail of the FIFO list at key.
	ListPush(ctx context.Context, key string, vals ...[]byte) error
	// ListPop removes and returns up to n values from the head of the list.
	// An empty or absent list returns a nil slice with no error.
	ListPop(ctx context.Context, key string, n int) ([][]byte, error)
	// ListLen returns the length of the list at key (0 when absent).
	ListLen(ctx context.Context, key string) (int64, error)

	// Ping verifies backend connectivity (readiness checks).
	Ping(ctx context.Context) error
}
