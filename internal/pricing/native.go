package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/token-price-engine/internal/platform/cache"
	"github.com/agatticelli/token-price-engine/internal/platform/inflight"
	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

// DefaultStaleHoldTTL is how long a stale fallback value is served from
// memory before the feed is tried again
const DefaultStaleHoldTTL = 5 * time.Second

// NativePriceSource resolves the native asset's USD price through
// memory, shared cache, the upstream feed and finally a stale shared value.
type NativePriceSource struct {
	symbol  string
	key     string
	cache   *cache.LayeredCache
	feed     PriceFeed
	staleTTL time.Duration
	group    *inflight.Group[decimal.Decimal]
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NativePriceSourceConfig holds native price source configuration
type NativePriceSourceConfig struct {
	Symbol       string // default ETH
	Cache        *cache.LayeredCache
	Feed         PriceFeed
	// StaleHoldTTL keeps a stale fallback in L1 so an outage does not send
	// every request through the feed's retries. Default DefaultStaleHoldTTL.
	StaleHoldTTL time.Duration
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// NewNativePriceSource creates a native price source
func NewNativePriceSource(cfg NativePriceSourceConfig) (*NativePriceSource, error) {
	if cfg.Feed == nil {
		return nil, fmt.Errorf("price feed is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("layered cache is required")
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "ETH"
	}
	if cfg.StaleHoldTTL <= 0 {
		cfg.StaleHoldTTL = DefaultStaleHoldTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	symbol := strings.ToUpper(cfg.Symbol)
	return &NativePriceSource{
		symbol:   symbol,
		key:      nativeKey(symbol),
		cache:    cfg.Cache,
		feed:     cfg.Feed,
		staleTTL: cfg.StaleHoldTTL,
		group:    inflight.NewGroup[decimal.Decimal]("native-price", cfg.Metrics),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// ResolveNativeUSDPrice returns the native USD price. It fails only when the
// feed fails and no value, however old, exists in the shared cache.
func (s *NativePriceSource) ResolveNativeUSDPrice(ctx context.Context) (decimal.Decimal, error) {
	if price, ok := s.cached(ctx); ok {
		return price, nil
	}

	price, err, _ := s.group.Do(ctx, s.key, func(ctx context.Context) (decimal.Decimal, error) {
		if price, ok := s.cached(ctx); ok {
			return price, nil
		}
		return s.refresh(ctx)
	})
	return price, err
}

// cached returns a fresh value from L1 or L2
func (s *NativePriceSource) cached(ctx context.Context) (decimal.Decimal, bool) {
	raw, _, err := s.cache.Get(ctx, s.key)
	if err != nil {
		return decimal.Zero, false
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		s.logger.LogWarnErr(ctx, "discarding unparsable cached native price", err, "key", s.key)
		s.cache.InvalidateL1(s.key)
		return decimal.Zero, false
	}
	return price, true
}

func (s *NativePriceSource) refresh(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := observability.StartSpan(ctx, "pricing", "NativePriceSource.refresh",
		attribute.String("symbol", s.symbol),
	)

	price, feedErr := s.feed.FetchUSDPrice(ctx, s.symbol)
	if feedErr == nil {
		s.cache.Set(ctx, s.key, price.String())
		f, _ := price.Float64()
		s.metrics.RecordNativePrice(ctx, s.symbol, f)
		observability.EndSpanWithError(span, nil)
		return price, nil
	}

	stale, storedAt, err := s.cache.GetStale(ctx, s.key)
	if err == nil {
		if price, perr := decimal.NewFromString(stale); perr == nil {
			s.logger.LogWarnErr(ctx, "price feed failed, serving stale native price", feedErr,
				"symbol", s.symbol,
				"price", price.String(),
				"age", time.Since(storedAt).Round(time.Second),
			)
			s.metrics.RecordNativeFallback(ctx, s.symbol)
			s.cache.SetL1(s.key, stale, s.staleTTL)
			observability.EndSpanWithError(span, nil)
			return price, nil
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.logger.LogWarnErr(ctx, "stale native price unavailable", err, "symbol", s.symbol)
	}

	err = fmt.Errorf("resolve %s/USD: %w", s.symbol, feedErr)
	s.logger.LogError(ctx, "native price unavailable from every layer", err, "symbol", s.symbol)
	observability.EndSpanWithError(span, err)
	return decimal.Zero, err
}

// Symbol returns the native asset symbol
func (s *NativePriceSource) Symbol() string {
	return s.symbol
}

// Name implements cache.WarmupProvider
func (s *NativePriceSource) Name() string {
	return "native-price:" + strings.ToLower(s.symbol)
}

// Warmup implements cache.WarmupProvider
func (s *NativePriceSource) Warmup(ctx context.Context) error {
	price, err := s.ResolveNativeUSDPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm native price: %w", err)
	}
	s.logger.LogInfo(ctx, "native price warmed", "symbol", s.symbol, "price", price.String())
	return nil
}
