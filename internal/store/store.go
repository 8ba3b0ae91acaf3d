package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is missing or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared counter and value store used for rate-limit windows,
// backoff markers and cache entries. Implementations must provide atomic
// increment semantics: concurrent Incr calls for the same key never lose
// updates, and the TTL is applied only by the call that created the key so
// the window expiry is fixed at the first request of each window.
type Store interface {
	// Incr atomically increments key and returns the new count. When the
	// increment creates the key, ttl is applied.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value for key, or ErrNotFound when missing/expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, keys ...string) error

	// DelPrefix removes every key with the given prefix.
	DelPrefix(ctx context.Context, prefix string) error

	// TTL reports the remaining lifetime of key. A negative duration means
	// the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
