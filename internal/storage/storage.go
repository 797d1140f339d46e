// Package storage provides the shared key-value store used by the circuit
// breaker and the response cache, plus usage record persistence.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned by Increment when the stored value is not a counter
var ErrNotInteger = errors.New("stored value is not an integer")

// Store is a shared key-value store with TTL expiry and atomic counters.
// A zero ttl means the entry never expires.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put writes value under key, replacing any previous entry
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Has reports whether a live entry exists for key
	Has(ctx context.Context, key string) (bool, error)

	// Forget removes key. Removing a missing key is not an error.
	Forget(ctx context.Context, key string) error

	// Increment atomically adds delta to the integer stored at key, creating it
	// at zero first when absent or expired, and returns the new value. When ttl
	// is non-zero the entry's expiry is reset to now+ttl.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Add writes value only if key is absent or expired. It reports whether the
	// write happened.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}
