package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
	"github.com/agatticelli/token-price-engine/internal/platform/resilience"
)

// PriceFeed returns the current USD price of a native asset
type PriceFeed interface {
	FetchUSDPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// HTTPPriceFeed reads USD exchange rates from a Coinbase-style
// /v2/exchange-rates endpoint
type HTTPPriceFeed struct {
	client      *http.Client
	baseURL     string
	name        string
	rateLimiter *resilience.RateLimiter
	retry       resilience.RetryPolicy
	cb          *resilience.CircuitBreaker
	logger      *observability.Logger
	metrics     *observability.Metrics
	health      *healthTracker
}

// HTTPPriceFeedConfig holds price feed configuration
type HTTPPriceFeedConfig struct {
	BaseURL        string
	Name           string // metrics and health label, default "coinbase"
	Timeout        time.Duration
	RateLimitRPM   int
	RateLimitBurst int
	Retry          resilience.RetryPolicy
	Breaker        BreakerSettings
	HTTPClient     *http.Client
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// exchangeRatesResponse is the body of GET /v2/exchange-rates
type exchangeRatesResponse struct {
	Data struct {
		Currency string            `json:"currency"`
		Rates    map[string]string `json:"rates"`
	} `json:"data"`
}

// NewHTTPPriceFeed creates a price feed client
func NewHTTPPriceFeed(cfg HTTPPriceFeedConfig) *HTTPPriceFeed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coinbase.com"
	}
	if cfg.Name == "" {
		cfg.Name = "coinbase"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = 600
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	cb := newUpstreamBreaker(cfg.Name, cfg.Breaker, cfg.Metrics)

	return &HTTPPriceFeed{
		client:      cfg.HTTPClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		name:        cfg.Name,
		rateLimiter: resilience.NewRateLimiterFromRPM(cfg.RateLimitRPM, cfg.RateLimitBurst),
		retry:       cfg.Retry,
		cb:          cb,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		health:      newHealthTracker(cfg.Name, cfg.BaseURL, cb),
	}
}

// FetchUSDPrice returns the USD rate of symbol. Errors wrap
// ErrUpstreamUnavailable or ErrMalformedFeed.
func (f *HTTPPriceFeed) FetchUSDPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, span := observability.StartSpan(ctx, "pricing", "HTTPPriceFeed.FetchUSDPrice",
		attribute.String("feed", f.name),
		attribute.String("symbol", symbol),
	)

	price, err := resilience.Execute(ctx, f.cb, func(ctx context.Context) (decimal.Decimal, error) {
		return resilience.Retry(ctx, f.retry, func(ctx context.Context) (decimal.Decimal, error) {
			if err := f.rateLimiter.Wait(ctx); err != nil {
				return decimal.Zero, resilience.Permanent(fmt.Errorf("rate limiter error: %w", err))
			}

			start := time.Now()
			price, err := f.fetch(ctx, symbol)
			duration := time.Since(start)

			f.health.record(err, duration)
			f.metrics.RecordFeedCall(ctx, f.name, statusOf(err), duration)

			return price, err
		})
	})
	if err != nil && !errors.Is(err, ErrMalformedFeed) && !errors.Is(err, ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	observability.EndSpanWithError(span, err)
	return price, err
}

func (f *HTTPPriceFeed) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/v2/exchange-rates?currency=%s", f.baseURL, url.QueryEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, resilience.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: unexpected status code %d: %s", ErrUpstreamUnavailable, resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return decimal.Zero, resilience.Permanent(err)
		}
		return decimal.Zero, err
	}

	var body exchangeRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, resilience.Permanent(fmt.Errorf("%w: %v", ErrMalformedFeed, err))
	}

	raw, ok := body.Data.Rates["USD"]
	if !ok || raw == "" {
		return decimal.Zero, resilience.Permanent(fmt.Errorf("%w: no USD rate for %s", ErrMalformedFeed, symbol))
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, resilience.Permanent(fmt.Errorf("%w: USD rate %q: %v", ErrMalformedFeed, raw, err))
	}
	if !price.IsPositive() {
		return decimal.Zero, resilience.Permanent(fmt.Errorf("%w: non-positive USD rate %s", ErrMalformedFeed, raw))
	}

	return price, nil
}

// Name returns the feed name
func (f *HTTPPriceFeed) Name() string {
	return f.name
}

// Health returns the current health of the feed
func (f *HTTPPriceFeed) Health() ProviderHealth {
	return f.health.snapshot()
}
