package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockStore is a SharedStore backed by a map
type mockStore struct {
	mu       sync.Mutex
	data     map[string]string
	ttls     map[string]time.Duration
	getErr   error
	setErr   error
	getCalls int
	setCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		data: make(map[string]string),
		ttls: make(map[string]time.Duration),
	}
}

func (m *mockStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++

	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *mockStore) SetWithExpiry(ctx context.Context, key string, ttl time.Duration, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++

	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) put(t *testing.T, key, value string, storedAt time.Time) {
	t.Helper()
	data, err := json.Marshal(sharedEnvelope{Value: value, StoredAt: storedAt})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	m.mu.Lock()
	m.data[key] = string(data)
	m.mu.Unlock()
}

func (m *mockStore) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls, m.setCalls
}

func newTestLayered(l2 SharedStore, clock *fakeClock) *LayeredCache {
	return NewLayeredCache(LayeredCacheConfig{
		L1:        NewTTLCache[string](WithClock(clock.Now)),
		L2:        l2,
		Namespace: "test",
		Now:       clock.Now,
	})
}

func TestL1HitSkipsL2(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	lc := newTestLayered(l2, clock)

	lc.Set(ctx, "k", "2000")
	lc.Flush()

	v, layer, err := lc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "2000" || layer != LayerMemory {
		t.Fatalf("expected memory hit for 2000, got %q from %q", v, layer)
	}
	if gets, _ := l2.calls(); gets != 0 {
		t.Fatalf("expected no L2 reads, got %d", gets)
	}
}

func TestFreshL2HitBackfillsL1(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	l2.put(t, "k", "1999.5", clock.Now().Add(-4*time.Minute))
	lc := newTestLayered(l2, clock)

	v, layer, err := lc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "1999.5" || layer != LayerShared {
		t.Fatalf("expected shared hit, got %q from %q", v, layer)
	}

	_, layer, _ = lc.Get(ctx, "k")
	if layer != LayerMemory {
		t.Fatalf("expected L1 backfill, second read came from %q", layer)
	}
}

func TestStaleL2IsMissButServedByGetStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	storedAt := clock.Now().Add(-6 * time.Minute)
	l2.put(t, "k", "2000", storedAt)
	lc := newTestLayered(l2, clock)

	if _, _, err := lc.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale value, got %v", err)
	}

	v, at, err := lc.GetStale(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "2000" || !at.Equal(storedAt) {
		t.Fatalf("expected stale 2000 stored at %v, got %q at %v", storedAt, v, at)
	}
}

func TestL1ExpiryFallsThroughToL2(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	lc := newTestLayered(l2, clock)

	lc.Set(ctx, "k", "10")
	lc.Flush()

	clock.Advance(DefaultL1TTL + time.Second)

	v, layer, err := lc.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "10" || layer != LayerShared {
		t.Fatalf("expected shared hit after L1 expiry, got %q from %q", v, layer)
	}
}

func TestL2ReadErrorTreatedAsMiss(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	l2.getErr = errors.New("connection refused")
	lc := newTestLayered(l2, clock)

	if _, _, err := lc.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMalformedEnvelopeTreatedAsMiss(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	l2.data["k"] = "not-json"
	lc := newTestLayered(l2, clock)

	if _, _, err := lc.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := lc.GetStale(ctx, "k"); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue from GetStale, got %v", err)
	}
}

func TestSetUsesRetentionForL2(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	lc := newTestLayered(l2, clock)

	lc.Set(ctx, "k", "1")
	lc.Flush()

	l2.mu.Lock()
	ttl := l2.ttls["k"]
	l2.mu.Unlock()
	if ttl != DefaultL2Retention {
		t.Fatalf("expected L2 retention %v, got %v", DefaultL2Retention, ttl)
	}
}

func TestL2WriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	l2.setErr = errors.New("READONLY")
	lc := newTestLayered(l2, clock)

	lc.Set(ctx, "k", "1")
	lc.Flush()

	v, layer, err := lc.Get(ctx, "k")
	if err != nil || v != "1" || layer != LayerMemory {
		t.Fatalf("expected L1 value despite L2 failure, got %q %q %v", v, layer, err)
	}
}

func TestSetSurvivesCancelledContext(t *testing.T) {
	clock := newFakeClock()
	l2 := newMockStore()
	lc := newTestLayered(l2, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lc.Set(ctx, "k", "1")
	lc.Flush()

	if _, sets := l2.calls(); sets != 1 {
		t.Fatalf("expected L2 write after caller cancellation, got %d", sets)
	}
}

func TestL1OnlyMode(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	lc := NewLayeredCache(LayeredCacheConfig{
		L1:  NewTTLCache[string](WithClock(clock.Now)),
		Now: clock.Now,
	})

	lc.Set(ctx, "k", "v")
	if v, _, err := lc.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("expected L1 hit, got %q %v", v, err)
	}
	if _, _, err := lc.GetStale(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from GetStale without L2, got %v", err)
	}
}

func TestInvalidateL1(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	lc := newTestLayered(l2, clock)

	lc.Set(ctx, "k", "v")
	lc.Flush()
	lc.InvalidateL1("k")

	_, layer, err := lc.Get(ctx, "k")
	if err != nil || layer != LayerShared {
		t.Fatalf("expected shared hit after L1 invalidation, got %q %v", layer, err)
	}
}

func TestSetL1SkipsSharedStore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l2 := newMockStore()
	lc := newTestLayered(l2, clock)

	lc.SetL1("k", "1800", 5*time.Second)
	lc.Flush()

	v, layer, err := lc.Get(ctx, "k")
	if err != nil || v != "1800" || layer != LayerMemory {
		t.Fatalf("expected memory hit for 1800, got %q from %q (%v)", v, layer, err)
	}
	if _, sets := l2.calls(); sets != 0 {
		t.Fatalf("expected no L2 writes, got %d", sets)
	}

	clock.Advance(5*time.Second + time.Millisecond)
	if _, _, err := lc.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected miss after ttl, got %v", err)
	}
}
