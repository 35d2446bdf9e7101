package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found in cache
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when cache value is invalid
	ErrInvalidValue = errors.New("cache: invalid value")
)

// SharedStore is a cross-process string store (Redis in production).
// It has last-writer-wins semantics and no transactions.
type SharedStore interface {
	// Get returns ErrNotFound when the key is absent
	Get(ctx context.Context, key string) (string, error)

	// SetWithExpiry stores value under key for ttl
	SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error

	// Close closes the connection
	Close() error
}
