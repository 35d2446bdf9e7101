package cache

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by tests in this package
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTTLCacheBoundary(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache[string](WithClock(clock.Now))

	c.Set("k", "v", 10*time.Second)

	clock.Advance(9999 * time.Millisecond)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected hit at 9999ms, got %q ok=%v", v, ok)
	}

	clock.Advance(1 * time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry must still be valid exactly at ttl")
	}

	clock.Advance(1 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss at 10001ms")
	}
}

func TestTTLCacheLazyDeletion(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache[int](WithClock(clock.Now))

	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Minute)

	clock.Advance(2 * time.Second)

	if c.Len() != 2 {
		t.Fatalf("expired entries are only removed on read, len = %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be expired")
	}
	if c.Len() != 1 {
		t.Fatalf("expected expired entry to be removed on read, len = %d", c.Len())
	}
}

func TestTTLCacheOverwriteResetsStoredAt(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache[string](WithClock(clock.Now))

	c.Set("k", "old", 5*time.Second)
	clock.Advance(4 * time.Second)
	c.Set("k", "new", 5*time.Second)
	clock.Advance(4 * time.Second)

	v, ok := c.Get("k")
	if !ok || v != "new" {
		t.Fatalf("expected new value, got %q ok=%v", v, ok)
	}
}

func TestTTLCacheDelete(t *testing.T) {
	c := NewTTLCache[string]()
	c.Set("k", "v", time.Minute)
	c.Delete("k")

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestTTLCacheConcurrentAccess(t *testing.T) {
	c := NewTTLCache[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "key"
			if n%2 == 0 {
				c.Set(key, n, time.Minute)
			} else {
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if _, ok := c.Get("key"); !ok {
		t.Fatal("expected value after concurrent writes")
	}
}
