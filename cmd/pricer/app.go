package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agatticelli/token-price-engine/internal/blockchain"
	"github.com/agatticelli/token-price-engine/internal/platform/cache"
	"github.com/agatticelli/token-price-engine/internal/platform/config"
	"github.com/agatticelli/token-price-engine/internal/platform/observability"
	"github.com/agatticelli/token-price-engine/internal/platform/resilience"
	"github.com/agatticelli/token-price-engine/internal/pricing"
)

// app holds the wired engine shared by all sub-commands
type app struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.TracerProvider
	chains    *config.ChainRegistry
	rpc       *blockchain.Pools
	rpcPools  []*blockchain.ClientPool
	stateView *blockchain.StateViewReader
	store     *cache.RedisStore
	layers    *cache.LayeredCache
	feed      *pricing.HTTPPriceFeed
	source    pricing.PairingSource
	native    *pricing.NativePriceSource
	resolver  *pricing.Resolver
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.logger = observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	var err error
	a.metrics, err = observability.NewMetrics(cfg.Observability.ServiceName, cfg.Observability.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	a.tracer, err = observability.NewTracerProvider(ctx, observability.TracingOptions{
		ServiceName: cfg.Observability.ServiceName,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Sampler:     cfg.Observability.Tracing.Sampler,
		Environment: cfg.Observability.Environment,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	a.chains, err = config.NewChainRegistry(cfg.Chains)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to build chain registry: %w", err)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"rpc", a.setupRPC},
		{"native price", a.setupNative},
		{"resolver", a.setupResolver},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to set up %s: %w", step.name, err)
		}
	}

	a.logger.Info("price engine ready",
		"chains", a.chains.IDs(),
		"indexer", cfg.Indexer.Kind,
		"shared_cache", a.store != nil,
	)
	return a, nil
}

// setupRPC dials every chain's endpoints. A chain whose endpoints all fail
// is skipped; its pool reads fail and its prices resolve as upstream errors.
func (a *app) setupRPC(ctx context.Context) error {
	reader, err := blockchain.NewStateViewReader()
	if err != nil {
		return err
	}

	var pools []*blockchain.ClientPool
	for _, id := range a.chains.IDs() {
		chain, _ := a.chains.Get(id)
		if chain.StateView == (common.Address{}) || len(chain.RPCEndpoints) == 0 {
			a.logger.Warn("chain has no state view or RPC endpoints, pool reads disabled", "chain_id", id)
			continue
		}

		endpoints := make([]blockchain.EndpointConfig, len(chain.RPCEndpoints))
		for i, ep := range chain.RPCEndpoints {
			endpoints[i] = blockchain.EndpointConfig{URL: ep.URL}
		}

		pool, err := blockchain.NewClientPool(ctx, blockchain.ClientPoolConfig{
			ChainID:            id,
			Endpoints:          endpoints,
			MaxConcurrentCalls: int64(a.cfg.RPC.MaxConcurrentCalls),
			CallTimeout:        a.cfg.RPC.CallTimeout,
			HealthCheckTTL:     a.cfg.RPC.HealthCheckTTL,
			Logger:             a.logger,
			Metrics:            a.metrics,
		})
		if err != nil {
			a.logger.LogWarnErr(ctx, "chain RPC unavailable", err, "chain_id", id, "name", chain.Name)
			continue
		}

		reader.AddChain(id, pool, chain.StateView)
		pools = append(pools, pool)
	}
	a.rpc = blockchain.NewPools(pools...)
	a.rpcPools = pools
	a.stateView = reader
	return nil
}

func (a *app) setupNative(ctx context.Context) error {
	var shared cache.SharedStore
	if a.cfg.Redis.Enabled {
		store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Address:  a.cfg.Redis.Address,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Prefix:   a.cfg.Redis.Prefix,
		})
		if err != nil {
			a.logger.LogWarnErr(ctx, "shared cache unavailable, running memory-only", err, "address", a.cfg.Redis.Address)
		} else {
			a.store = store
			shared = store
		}
	}

	a.layers = cache.NewLayeredCache(cache.LayeredCacheConfig{
		L1:          cache.NewTTLCache[string](),
		L2:          shared,
		L1TTL:       a.cfg.Cache.NativeL1TTL,
		L2FreshTTL:  a.cfg.Cache.NativeL2FreshTTL,
		L2Retention: a.cfg.Cache.NativeL2Retention,
		Namespace:   "native",
		Writer:      cache.NewBestEffortWriter(a.logger, a.metrics, 0),
		Logger:      a.logger,
		Metrics:     a.metrics,
	})

	pf := a.cfg.PriceFeed
	a.feed = pricing.NewHTTPPriceFeed(pricing.HTTPPriceFeedConfig{
		BaseURL:        pf.BaseURL,
		Timeout:        pf.Timeout,
		RateLimitRPM:   pf.RateLimit.RequestsPerMinute,
		RateLimitBurst: pf.RateLimit.Burst,
		Retry:          retryPolicy(pf.Retry),
		Breaker: pricing.BreakerSettings{
			FailureThreshold: pf.CircuitBreaker.FailureThreshold,
			SuccessThreshold: pf.CircuitBreaker.SuccessThreshold,
			Timeout:          pf.CircuitBreaker.Timeout,
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})

	native, err := pricing.NewNativePriceSource(pricing.NativePriceSourceConfig{
		Symbol:  pf.Symbol,
		Cache:   a.layers,
		Feed:    a.feed,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.native = native
	return nil
}

func (a *app) setupResolver(ctx context.Context) error {
	ix := a.cfg.Indexer

	chainURLs := make(map[uint64]string)
	for _, id := range a.chains.IDs() {
		if chain, _ := a.chains.Get(id); chain.IndexerURL != "" {
			chainURLs[id] = chain.IndexerURL
		}
	}

	source, err := pricing.NewSourceRegistry().Create(ctx, ix.Kind, pricing.SourceConfig{
		URL:            ix.URL,
		ChainURLs:      chainURLs,
		Timeout:        ix.Timeout,
		RateLimitRPM:   ix.RateLimit.RequestsPerMinute,
		RateLimitBurst: ix.RateLimit.Burst,
		Retry:          retryPolicy(ix.Retry),
		DSN:            ix.DSN,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return err
	}
	a.source = source

	pools, err := pricing.NewPoolStateReader(pricing.PoolStateReaderConfig{
		Caller:  pricing.StateViewCaller{Reader: a.stateView},
		TTL:     a.cfg.Cache.PoolTTL,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}

	a.resolver, err = pricing.NewResolver(pricing.ResolverConfig{
		Chains: a.chains,
		Pairings: pricing.NewPairingFetcher(pricing.PairingFetcherConfig{
			Source:      source,
			PositiveTTL: a.cfg.Cache.PairingTTL,
			NegativeTTL: a.cfg.Cache.PairingNegativeTTL,
			Logger:      a.logger,
			Metrics:     a.metrics,
		}),
		Pools:            pools,
		Native:           a.native,
		MaxDepth:         a.cfg.Resolver.MaxDepth,
		PriceTTL:         a.cfg.Cache.PriceTTL,
		UnresolvedTTL:    a.cfg.Cache.PriceUnresolvedTTL,
		BatchConcurrency: a.cfg.Resolver.BatchConcurrency,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
	return err
}

// healthProviders returns the upstreams reported by /health and /ready
func (a *app) healthProviders() []pricing.HealthProvider {
	providers := []pricing.HealthProvider{a.feed}
	if hp, ok := a.source.(pricing.HealthProvider); ok {
		providers = append(providers, hp)
	}
	return providers
}

// warmupTokens converts configured warmup entries, skipping invalid addresses
func (a *app) warmupTokens(ctx context.Context) []pricing.TokenRequest {
	reqs := make([]pricing.TokenRequest, 0, len(a.cfg.Warmup.Tokens))
	for _, t := range a.cfg.Warmup.Tokens {
		addr, err := parseAddress(t.Address)
		if err != nil {
			a.logger.LogWarnErr(ctx, "skipping warmup token", err, "chain_id", t.ChainID)
			continue
		}
		reqs = append(reqs, pricing.TokenRequest{ChainID: t.ChainID, Address: addr, Coin: t.Coin})
	}
	return reqs
}

// Close waits for pending shared-cache writes and releases connections
func (a *app) Close(ctx context.Context) {
	if a.layers != nil {
		a.layers.Flush()
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.LogWarnErr(ctx, "failed to close pairing source", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.LogWarnErr(ctx, "failed to close shared cache", err)
		}
	}
	if a.rpc != nil {
		a.rpc.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.LogWarnErr(ctx, "failed to shut down tracer", err)
		}
	}
}

func retryPolicy(c config.RetryConfig) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		p.BaseDelay = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		p.MaxDelay = c.MaxBackoff
	}
	return p
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
