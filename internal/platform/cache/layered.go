package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

// Layer identifies which tier served a value
type Layer string

const (
	LayerMemory Layer = "memory"
	LayerShared Layer = "shared"
)

const (
	// DefaultL1TTL is the process-local freshness window
	DefaultL1TTL = 30 * time.Second
	// DefaultL2FreshTTL is how long a shared value counts as fresh
	DefaultL2FreshTTL = 5 * time.Minute
	// DefaultL2Retention keeps shared values around as stale fallbacks
	DefaultL2Retention = 24 * time.Hour
)

// sharedEnvelope is the L2 wire format. StoredAt lets readers judge
// freshness independently of the Redis expiry.
type sharedEnvelope struct {
	Value    string    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// LayeredCache implements a two-tier cache (L1: memory, L2: shared store).
// L2 writes are best-effort and asynchronous; L2 read errors count as misses.
type LayeredCache struct {
	l1          *TTLCache[string]
	l2          SharedStore
	l1TTL       time.Duration
	l2FreshTTL  time.Duration
	l2Retention time.Duration
	namespace   string
	writer      *BestEffortWriter
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// LayeredCacheConfig holds layered cache configuration
type LayeredCacheConfig struct {
	L1          *TTLCache[string]
	L2          SharedStore
	L1TTL       time.Duration
	L2FreshTTL  time.Duration
	L2Retention time.Duration
	Namespace   string // metrics label
	Writer      *BestEffortWriter
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

// NewLayeredCache creates a new layered cache
func NewLayeredCache(cfg LayeredCacheConfig) *LayeredCache {
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = DefaultL1TTL
	}
	if cfg.L2FreshTTL <= 0 {
		cfg.L2FreshTTL = DefaultL2FreshTTL
	}
	if cfg.L2Retention < cfg.L2FreshTTL {
		cfg.L2Retention = DefaultL2Retention
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Writer == nil {
		cfg.Writer = NewBestEffortWriter(cfg.Logger, cfg.Metrics, 0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &LayeredCache{
		l1:          cfg.L1,
		l2:          cfg.L2,
		l1TTL:       cfg.L1TTL,
		l2FreshTTL:  cfg.L2FreshTTL,
		l2Retention: cfg.L2Retention,
		namespace:   cfg.Namespace,
		writer:      cfg.Writer,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
}

// Get retrieves a fresh value (L1 → L2 → miss). An L2 hit backfills L1.
func (lc *LayeredCache) Get(ctx context.Context, key string) (string, Layer, error) {
	if lc.l1 != nil {
		val, ok := lc.l1.Get(key)
		lc.metrics.RecordCacheRequest(ctx, lc.namespace, string(LayerMemory), ok)
		if ok {
			return val, LayerMemory, nil
		}
	}

	if lc.l2 == nil {
		return "", "", ErrNotFound
	}

	env, err := lc.readShared(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			lc.logger.LogWarnErr(ctx, "shared cache read failed, treating as miss", err, "key", key)
		}
		lc.metrics.RecordCacheRequest(ctx, lc.namespace, string(LayerShared), false)
		return "", "", ErrNotFound
	}

	age := lc.now().Sub(env.StoredAt)
	if age > lc.l2FreshTTL {
		lc.metrics.RecordCacheRequest(ctx, lc.namespace, string(LayerShared), false)
		return "", "", ErrNotFound
	}

	lc.metrics.RecordCacheRequest(ctx, lc.namespace, string(LayerShared), true)

	if lc.l1 != nil {
		lc.l1.Set(key, env.Value, lc.l1TTL)
	}

	return env.Value, LayerShared, nil
}

// GetStale returns the shared value regardless of age, with the time it was stored
func (lc *LayeredCache) GetStale(ctx context.Context, key string) (string, time.Time, error) {
	if lc.l2 == nil {
		return "", time.Time{}, ErrNotFound
	}

	env, err := lc.readShared(ctx, key)
	if err != nil {
		return "", time.Time{}, err
	}

	return env.Value, env.StoredAt, nil
}

// Set writes L1 synchronously and schedules a best-effort L2 write
func (lc *LayeredCache) Set(ctx context.Context, key, value string) {
	if lc.l1 != nil {
		lc.l1.Set(key, value, lc.l1TTL)
	}

	if lc.l2 == nil {
		return
	}

	env := sharedEnvelope{Value: value, StoredAt: lc.now()}
	lc.writer.Go(ctx, "shared-cache-set:"+lc.namespace, func(ctx context.Context) error {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		return lc.l2.SetWithExpiry(ctx, key, lc.l2Retention, string(data))
	})
}

// SetL1 stores value in L1 only, for ttl. The shared layer is left untouched.
func (lc *LayeredCache) SetL1(key, value string, ttl time.Duration) {
	if lc.l1 != nil {
		lc.l1.Set(key, value, ttl)
	}
}

// InvalidateL1 invalidates only L1 cache for a key
func (lc *LayeredCache) InvalidateL1(key string) {
	if lc.l1 != nil {
		lc.l1.Delete(key)
	}
}

// Flush waits for pending L2 writes
func (lc *LayeredCache) Flush() {
	lc.writer.Wait()
}

func (lc *LayeredCache) readShared(ctx context.Context, key string) (sharedEnvelope, error) {
	raw, err := lc.l2.Get(ctx, key)
	if err != nil {
		return sharedEnvelope{}, err
	}

	var env sharedEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return sharedEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if env.Value == "" {
		return sharedEnvelope{}, ErrInvalidValue
	}

	return env, nil
}
