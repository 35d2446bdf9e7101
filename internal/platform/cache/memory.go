package cache

import (
	"sync"
	"time"
)

// entry is a cached value with the time it was stored and its ttl
type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// valid reports whether the entry is still usable at now
func (e entry[V]) valid(now time.Time) bool {
	return now.Sub(e.storedAt) <= e.ttl
}

// TTLCache is a process-local key/value store with lazy expiry.
// Expired entries are removed on read; there is no sweeper and no capacity bound.
type TTLCache[V any] struct {
	mu    sync.Mutex
	items map[string]entry[V]
	now   func() time.Time
}

// TTLOption configures a TTLCache
type TTLOption func(*ttlOptions)

type ttlOptions struct {
	now func() time.Time
}

// WithClock overrides the clock used to evaluate expiry
func WithClock(now func() time.Time) TTLOption {
	return func(o *ttlOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewTTLCache creates an empty cache
func NewTTLCache[V any](opts ...TTLOption) *TTLCache[V] {
	o := ttlOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &TTLCache[V]{
		items: make(map[string]entry[V]),
		now:   o.now,
	}
}

// Get returns the value for key if present and not expired
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	if !e.valid(c.now()) {
		delete(c.items, key)
		var zero V
		return zero, false
	}

	return e.value, true
}

// Set stores value under key, replacing any previous entry
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{
		value:    value,
		storedAt: c.now(),
		ttl:      ttl,
	}
}

// Delete removes a key
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of stored entries, including expired ones not yet read
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
