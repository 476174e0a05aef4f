// Package kvstore is the injected key-value state shared by request handlers:
// rate-limit timestamps, enablement flags and last-known statuses.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a key-value abstraction with per-key expiry. Every method is atomic
// with respect to other calls on the same store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent or expired and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Swap stores value and returns the previous live value, if any.
	Swap(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}
