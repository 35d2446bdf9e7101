package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/token-price-engine/internal/platform/cache"
	"github.com/agatticelli/token-price-engine/internal/platform/inflight"
	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

const (
	// DefaultMaxDepth allows hops at depth 0, 1 and 2
	DefaultMaxDepth = 2
	// DefaultPriceTTL applies to resolved prices
	DefaultPriceTTL = 60 * time.Second
	// DefaultUnresolvedTTL applies to unresolvable prices
	DefaultUnresolvedTTL = 10 * time.Second
	// DefaultBatchConcurrency bounds ResolveMany
	DefaultBatchConcurrency = 8
)

// ChainLookup returns a chain's wrapped-native token address
type ChainLookup interface {
	WrappedNative(chainID uint64) (common.Address, bool)
}

// NativePricer resolves the native asset's USD price
type NativePricer interface {
	ResolveNativeUSDPrice(ctx context.Context) (decimal.Decimal, error)
}

// Resolver walks pairing records from a token to its chain's wrapped-native
// token and multiplies the pool prices along the way.
type Resolver struct {
	chains           ChainLookup
	pairings         *PairingFetcher
	pools            *PoolStateReader
	native           NativePricer
	prices           *cache.TTLCache[Price]
	group            *inflight.Group[Price]
	maxDepth         int
	priceTTL         time.Duration
	unresolvedTTL    time.Duration
	batchConcurrency int
	logger           *observability.Logger
	metrics          *observability.Metrics
}

// ResolverConfig holds resolver configuration
type ResolverConfig struct {
	Chains           ChainLookup
	Pairings         *PairingFetcher
	Pools            *PoolStateReader
	Native           NativePricer
	MaxDepth         int
	PriceTTL         time.Duration
	UnresolvedTTL    time.Duration
	BatchConcurrency int
	Clock            func() time.Time
	Logger           *observability.Logger
	Metrics          *observability.Metrics
}

// NewResolver creates a resolver
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Chains == nil || cfg.Pairings == nil || cfg.Pools == nil || cfg.Native == nil {
		return nil, fmt.Errorf("chains, pairings, pools and native pricer are required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = DefaultPriceTTL
	}
	if cfg.UnresolvedTTL <= 0 {
		cfg.UnresolvedTTL = DefaultUnresolvedTTL
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &Resolver{
		chains:           cfg.Chains,
		pairings:         cfg.Pairings,
		pools:            cfg.Pools,
		native:           cfg.Native,
		prices:           cache.NewTTLCache[Price](cache.WithClock(cfg.Clock)),
		group:            inflight.NewGroup[Price]("price", cfg.Metrics),
		maxDepth:         cfg.MaxDepth,
		priceTTL:         cfg.PriceTTL,
		unresolvedTTL:    cfg.UnresolvedTTL,
		batchConcurrency: cfg.BatchConcurrency,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
	}, nil
}

// nativeQuote hands out the native USD price to a single resolution. A
// caller-supplied value is used as is; otherwise the source is asked once,
// the first time the walk reaches the base case.
type nativeQuote struct {
	src NativePricer
	// override marks a caller-supplied value. Prices derived from it are
	// private to that caller and never touch the shared cache.
	override bool

	mu    sync.Mutex
	value *decimal.Decimal
}

func (r *Resolver) quote(nativeUSD *decimal.Decimal) *nativeQuote {
	return &nativeQuote{src: r.native, value: nativeUSD, override: nativeUSD != nil}
}

func (q *nativeQuote) get(ctx context.Context) (decimal.Decimal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.value != nil {
		return *q.value, nil
	}
	v, err := q.src.ResolveNativeUSDPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	q.value = &v
	return v, nil
}

// ResolveTokenUSDPrice returns the token's USD price or an unresolvable
// marker. nativeUSD, when set, is used instead of querying the native source;
// the walk then bypasses the price cache and is not shared with other callers.
func (r *Resolver) ResolveTokenUSDPrice(ctx context.Context, token common.Address, chainID uint64, nativeUSD *decimal.Decimal) Price {
	return r.resolveTop(ctx, "token", nsPrice, token, chainID, r.quote(nativeUSD), r.resolveToken)
}

// ResolveCoinUSDPrice is ResolveTokenUSDPrice for coins, whose pairing record
// names a currency and a pool.
func (r *Resolver) ResolveCoinUSDPrice(ctx context.Context, coin common.Address, chainID uint64, nativeUSD *decimal.Decimal) Price {
	return r.resolveTop(ctx, "coin", nsCoinPrice, coin, chainID, r.quote(nativeUSD), r.resolveCoin)
}

type resolveFunc func(ctx context.Context, addr common.Address, chainID uint64, depth int, native *nativeQuote) (Price, error)

// resolveTop converts infrastructure failures into cached unresolvable results.
// A caller that stops waiting gets ReasonCanceled and leaves the cache alone;
// the detached computation stores its own result when it finishes.
func (r *Resolver) resolveTop(ctx context.Context, kind, ns string, addr common.Address, chainID uint64, native *nativeQuote, resolve resolveFunc) Price {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "pricing", "Resolver.Resolve",
		attribute.String("kind", kind),
		attribute.Int64("chain.id", int64(chainID)),
		attribute.String("address", normalize(addr)),
	)

	price, err := resolve(ctx, addr, chainID, 0, native)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.logger.LogDebug(ctx, "caller stopped waiting for price",
			"kind", kind,
			"chain_id", chainID,
			"address", normalize(addr),
			"cause", ctx.Err(),
		)
		price = Unresolvable(ReasonCanceled)
	default:
		r.logger.LogWarnErr(ctx, "price resolution failed upstream",
			err,
			"kind", kind,
			"chain_id", chainID,
			"address", normalize(addr),
		)
		price = Unresolvable(ReasonUpstream)
		if !native.override {
			r.prices.Set(addressKey(ns, chainID, addr), price, r.unresolvedTTL)
		}
	}

	duration := time.Since(start)
	r.metrics.RecordResolution(ctx, kind, price.Resolved, string(price.Reason), duration)
	span.SetAttributes(attribute.Bool("resolved", price.Resolved), attribute.String("reason", string(price.Reason)))
	observability.EndSpanWithError(span, err)

	return price
}

func (r *Resolver) resolveToken(ctx context.Context, token common.Address, chainID uint64, depth int, native *nativeQuote) (Price, error) {
	wrapped, ok := r.chains.WrappedNative(chainID)
	if !ok {
		return Unresolvable(ReasonUnknownChain), nil
	}
	if token == wrapped || token == (common.Address{}) {
		v, err := native.get(ctx)
		if err != nil {
			return Price{}, err
		}
		return ResolvedPrice(v), nil
	}
	if depth > r.maxDepth {
		return Unresolvable(ReasonDepthExceeded), nil
	}

	return r.cachedResolve(ctx, nsPrice, token, chainID, depth, native, func(ctx context.Context) (Price, error) {
		lookup, err := r.pairings.FetchPairing(ctx, token, chainID)
		if err != nil {
			return Price{}, err
		}
		if !lookup.Found() {
			return Unresolvable(ReasonNoPairing), nil
		}
		return r.priceThroughPool(ctx, token, lookup.Record.PairedToken, lookup.Record.PoolID, chainID, depth, native)
	})
}

func (r *Resolver) resolveCoin(ctx context.Context, coin common.Address, chainID uint64, depth int, native *nativeQuote) (Price, error) {
	if _, ok := r.chains.WrappedNative(chainID); !ok {
		return Unresolvable(ReasonUnknownChain), nil
	}

	return r.cachedResolve(ctx, nsCoinPrice, coin, chainID, depth, native, func(ctx context.Context) (Price, error) {
		lookup, err := r.pairings.FetchCoinPairing(ctx, coin, chainID)
		if err != nil {
			return Price{}, err
		}
		if !lookup.Found() {
			return Unresolvable(ReasonNoPairing), nil
		}
		if !lookup.Record.Complete() {
			return Unresolvable(ReasonIncompleteRecord), nil
		}
		return r.priceThroughPool(ctx, coin, *lookup.Record.Currency, *lookup.Record.PoolID, chainID, depth, native)
	})
}

// cachedResolve serves addr from the price cache or computes it once among
// concurrent callers at the same depth. Walks priced with a caller-supplied
// native value compute directly.
func (r *Resolver) cachedResolve(ctx context.Context, ns string, addr common.Address, chainID uint64, depth int, native *nativeQuote, compute func(ctx context.Context) (Price, error)) (Price, error) {
	if native.override {
		return compute(ctx)
	}

	key := addressKey(ns, chainID, addr)

	if p, ok := r.prices.Get(key); ok {
		r.metrics.RecordCacheRequest(ctx, ns, string(cache.LayerMemory), true)
		return p, nil
	}
	r.metrics.RecordCacheRequest(ctx, ns, string(cache.LayerMemory), false)

	p, err, _ := r.group.Do(ctx, depthKey(key, depth), func(ctx context.Context) (Price, error) {
		if p, ok := r.prices.Get(key); ok {
			return p, nil
		}

		p, err := compute(ctx)
		if err != nil {
			return Price{}, err
		}
		r.store(key, p)
		return p, nil
	})
	return p, err
}

// store caches p. Depth exhaustion depends on the asking call, not the token,
// so it is never cached.
func (r *Resolver) store(key string, p Price) {
	switch {
	case p.Resolved:
		r.prices.Set(key, p, r.priceTTL)
	case p.Reason == ReasonDepthExceeded:
	default:
		r.prices.Set(key, p, r.unresolvedTTL)
	}
}

// priceThroughPool prices addr in its paired token using the pool, then
// converts to USD by resolving the paired token one hop deeper
func (r *Resolver) priceThroughPool(ctx context.Context, addr, paired common.Address, poolID [32]byte, chainID uint64, depth int, native *nativeQuote) (Price, error) {
	state, err := r.pools.ReadSlot0(ctx, poolID, chainID)
	if err != nil {
		return Price{}, err
	}

	isToken0 := normalize(addr) < normalize(paired)
	ratio, reason := PriceFromSqrtPriceX96(state.SqrtPriceX96, isToken0)
	if reason != ReasonNone {
		r.logger.LogWarn(ctx, "pool price unusable",
			"chain_id", chainID,
			"address", normalize(addr),
			"paired", normalize(paired),
			"sqrt_price_x96", state.SqrtPriceX96.String(),
			"reason", string(reason),
		)
		return Unresolvable(reason), nil
	}

	pairedPrice, err := r.resolveToken(ctx, paired, chainID, depth+1, native)
	if err != nil {
		return Price{}, err
	}
	if !pairedPrice.Resolved {
		return pairedPrice, nil
	}

	return ResolvedPrice(ratio.Mul(pairedPrice.Value)), nil
}

// TokenRequest identifies one token or coin to price
type TokenRequest struct {
	ChainID uint64
	Address common.Address
	Coin    bool
}

// ResolveMany prices requests concurrently. Results are in request order.
// The native price is fetched once up front; if that fails each resolution
// retries it on its own. Results go through the shared price cache.
func (r *Resolver) ResolveMany(ctx context.Context, reqs []TokenRequest) []Price {
	results := make([]Price, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	var nativeUSD *decimal.Decimal
	if v, err := r.native.ResolveNativeUSDPrice(ctx); err == nil {
		nativeUSD = &v
	}

	var g errgroup.Group
	g.SetLimit(r.batchConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			// The prefetched value came from the native source, so it is not an override
			native := &nativeQuote{src: r.native, value: nativeUSD}
			if req.Coin {
				results[i] = r.resolveTop(ctx, "coin", nsCoinPrice, req.Address, req.ChainID, native, r.resolveCoin)
			} else {
				results[i] = r.resolveTop(ctx, "token", nsPrice, req.Address, req.ChainID, native, r.resolveToken)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// TokenWarmer pre-resolves a fixed token list. It implements cache.WarmupProvider.
type TokenWarmer struct {
	resolver *Resolver
	tokens   []TokenRequest
}

// NewTokenWarmer creates a warmup provider for tokens
func NewTokenWarmer(resolver *Resolver, tokens []TokenRequest) *TokenWarmer {
	return &TokenWarmer{resolver: resolver, tokens: tokens}
}

// Name implements cache.WarmupProvider
func (w *TokenWarmer) Name() string {
	return "token-prices"
}

// Warmup implements cache.WarmupProvider. Unresolvable tokens are fine;
// upstream failures are reported.
func (w *TokenWarmer) Warmup(ctx context.Context) error {
	prices := w.resolver.ResolveMany(ctx, w.tokens)

	failed := 0
	for _, p := range prices {
		if p.Reason == ReasonUpstream {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tokens failed upstream: %w", failed, len(prices), ErrUpstreamUnavailable)
	}
	return nil
}
