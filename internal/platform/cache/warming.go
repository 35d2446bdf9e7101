package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

// WarmupProvider populates caches ahead of traffic.
// Warmup must be idempotent.
type WarmupProvider interface {
	Name() string
	Warmup(ctx context.Context) error
}

// WarmupConfig configures the cache warming behavior.
type WarmupConfig struct {
	// Timeout bounds the whole warmup run
	Timeout time.Duration

	// Concurrency caps how many providers run at once (<= 1 means sequential)
	Concurrency int

	// ContinueOnError keeps going after a failed provider in sequential mode
	ContinueOnError bool
}

// DefaultWarmupConfig returns defaults for cache warming.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Timeout:         30 * time.Second,
		Concurrency:     4,
		ContinueOnError: true,
	}
}

// WarmupResult contains the result of warming a single provider.
type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults contains the aggregate results of cache warming.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

// HasErrors returns true if any provider failed during warmup.
func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Warmer runs registered providers once at startup.
// Failures are reported, never fatal.
type Warmer struct {
	mu        sync.Mutex
	providers []WarmupProvider
	logger    *observability.Logger
	config    WarmupConfig
}

// NewWarmer creates a new cache warmer.
func NewWarmer(logger *observability.Logger, config WarmupConfig) *Warmer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultWarmupConfig().Timeout
	}
	return &Warmer{
		logger: logger,
		config: config,
	}
}

// RegisterProvider adds a warmup provider to the warmer.
func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.providers = append(w.providers, provider)
}

// Warmup executes all registered providers and returns per-provider results
// in registration order.
func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()

	w.mu.Lock()
	providers := append([]WarmupProvider(nil), w.providers...)
	w.mu.Unlock()

	results := &WarmupResults{}
	if len(providers) == 0 {
		results.TotalTime = time.Since(start)
		return results
	}

	warmupCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	if w.config.Concurrency > 1 {
		results.Results = w.warmupParallel(warmupCtx, providers)
	} else {
		results.Results = w.warmupSequential(warmupCtx, providers)
	}

	for _, r := range results.Results {
		if r.Err != nil {
			results.Errors++
		}
	}
	results.TotalTime = time.Since(start)

	if results.Errors > 0 {
		w.logger.LogWarn(ctx, "cache warmup completed with errors",
			"errors", results.Errors,
			"providers", len(providers),
			"duration", results.TotalTime)
	} else {
		w.logger.LogInfo(ctx, "cache warmup completed",
			"providers", len(providers),
			"duration", results.TotalTime)
	}

	return results
}

func (w *Warmer) warmupParallel(ctx context.Context, providers []WarmupProvider) []WarmupResult {
	results := make([]WarmupResult, len(providers))

	// Provider errors are captured in results, so the group never cancels siblings.
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			results[i] = w.warmupProvider(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (w *Warmer) warmupSequential(ctx context.Context, providers []WarmupProvider) []WarmupResult {
	results := make([]WarmupResult, 0, len(providers))

	for _, p := range providers {
		result := w.warmupProvider(ctx, p)
		results = append(results, result)

		if result.Err != nil && !w.config.ContinueOnError {
			break
		}
	}

	return results
}

func (w *Warmer) warmupProvider(ctx context.Context, provider WarmupProvider) WarmupResult {
	start := time.Now()
	name := provider.Name()

	err := provider.Warmup(ctx)
	duration := time.Since(start)

	if err != nil {
		w.logger.LogWarnErr(ctx, "cache warmup failed", err, "provider", name, "duration", duration)
	} else {
		w.logger.LogDebug(ctx, "cache warmup provider done", "provider", name, "duration", duration)
	}

	return WarmupResult{
		Provider: name,
		Duration: duration,
		Err:      err,
	}
}
