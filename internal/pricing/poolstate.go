package pricing

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/token-price-engine/internal/blockchain"
	"github.com/agatticelli/token-price-engine/internal/platform/cache"
	"github.com/agatticelli/token-price-engine/internal/platform/inflight"
	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

// DefaultPoolTTL is how long a slot0 snapshot is reused
const DefaultPoolTTL = 10 * time.Second

// PoolState is a snapshot of a pool's price encoding. Treat as immutable.
type PoolState struct {
	SqrtPriceX96 *big.Int
	Tick         int32
	ProtocolFee  uint32
	LPFee        uint32
}

// Slot0Caller reads a pool's slot0 from the chain
type Slot0Caller interface {
	GetSlot0(ctx context.Context, chainID uint64, poolID [32]byte) (*PoolState, error)
}

// StateViewCaller adapts a blockchain.StateViewReader to Slot0Caller
type StateViewCaller struct {
	Reader *blockchain.StateViewReader
}

// GetSlot0 implements Slot0Caller
func (c StateViewCaller) GetSlot0(ctx context.Context, chainID uint64, poolID [32]byte) (*PoolState, error) {
	slot0, err := c.Reader.GetSlot0(ctx, chainID, poolID)
	if err != nil {
		return nil, err
	}
	return &PoolState{
		SqrtPriceX96: slot0.SqrtPriceX96,
		Tick:         slot0.Tick,
		ProtocolFee:  slot0.ProtocolFee,
		LPFee:        slot0.LPFee,
	}, nil
}

// PoolStateReader caches and deduplicates slot0 reads per (chain, pool)
type PoolStateReader struct {
	caller  Slot0Caller
	cache   *cache.TTLCache[*PoolState]
	group   *inflight.Group[*PoolState]
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// PoolStateReaderConfig holds pool state reader configuration
type PoolStateReaderConfig struct {
	Caller  Slot0Caller
	Cache   *cache.TTLCache[*PoolState] // optional, created if nil
	TTL     time.Duration
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewPoolStateReader creates a pool state reader
func NewPoolStateReader(cfg PoolStateReaderConfig) (*PoolStateReader, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("slot0 caller is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewTTLCache[*PoolState]()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPoolTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &PoolStateReader{
		caller:  cfg.Caller,
		cache:   cfg.Cache,
		group:   inflight.NewGroup[*PoolState]("pool-state", cfg.Metrics),
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// ReadSlot0 returns the pool's current state. Concurrent reads of the same
// pool share one chain call; failures are not cached.
func (r *PoolStateReader) ReadSlot0(ctx context.Context, poolID [32]byte, chainID uint64) (*PoolState, error) {
	key := poolKey(chainID, poolID)

	if state, ok := r.cache.Get(key); ok {
		r.metrics.RecordCacheRequest(ctx, nsPool, string(cache.LayerMemory), true)
		return state, nil
	}
	r.metrics.RecordCacheRequest(ctx, nsPool, string(cache.LayerMemory), false)

	state, err, _ := r.group.Do(ctx, key, func(ctx context.Context) (*PoolState, error) {
		// A caller that just missed may have raced the previous leader's write.
		if state, ok := r.cache.Get(key); ok {
			return state, nil
		}
		return r.fetch(ctx, key, poolID, chainID)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *PoolStateReader) fetch(ctx context.Context, key string, poolID [32]byte, chainID uint64) (*PoolState, error) {
	ctx, span := observability.StartSpan(ctx, "pricing", "PoolStateReader.fetch",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.String("pool.key", key),
	)

	start := time.Now()
	state, err := r.caller.GetSlot0(ctx, chainID, poolID)
	duration := time.Since(start)

	if err == nil && (state == nil || state.SqrtPriceX96 == nil) {
		err = fmt.Errorf("empty slot0 for %s", key)
	}
	if err != nil {
		err = fmt.Errorf("%w: read slot0 %s: %v", ErrUpstreamUnavailable, key, err)
		r.metrics.RecordPoolRead(ctx, chainID, "error", duration)
		r.logger.LogWarnErr(ctx, "pool state read failed", err, "chain_id", chainID, "key", key)
		observability.EndSpanWithError(span, err)
		return nil, err
	}

	r.metrics.RecordPoolRead(ctx, chainID, "success", duration)
	r.cache.Set(key, state, r.ttl)

	r.logger.LogDebug(ctx, "pool state read",
		"chain_id", chainID,
		"key", key,
		"sqrt_price_x96", state.SqrtPriceX96.String(),
		"tick", state.Tick,
		"duration_ms", duration.Milliseconds(),
	)
	observability.EndSpanWithError(span, nil)
	return state, nil
}
