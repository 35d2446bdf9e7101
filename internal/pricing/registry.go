package pricing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
	"github.com/agatticelli/token-price-engine/internal/platform/resilience"
)

// SourceFactory creates a pairing source from configuration
type SourceFactory func(ctx context.Context, cfg SourceConfig) (PairingSource, error)

// SourceConfig holds settings common to all pairing sources
type SourceConfig struct {
	// GraphQL
	URL            string
	ChainURLs      map[uint64]string
	Timeout        time.Duration
	RateLimitRPM   int
	RateLimitBurst int
	Retry          resilience.RetryPolicy
	Breaker        BreakerSettings

	// Postgres
	DSN string

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// SourceRegistry manages pairing source factories by kind
type SourceRegistry struct {
	factories map[string]SourceFactory
	mu        sync.RWMutex
}

// NewSourceRegistry creates a registry with the built-in graphql and postgres sources
func NewSourceRegistry() *SourceRegistry {
	r := &SourceRegistry{
		factories: make(map[string]SourceFactory),
	}

	r.Register("graphql", createGraphQLSource)
	r.Register("postgres", createPostgresSource)

	return r
}

// Register adds or replaces a factory
func (r *SourceRegistry) Register(kind string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Create builds a pairing source of the given kind
func (r *SourceRegistry) Create(ctx context.Context, kind string, cfg SourceConfig) (PairingSource, error) {
	r.mu.RLock()
	factory, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown indexer kind: %s (available: %v)", kind, r.Kinds())
	}

	return factory(ctx, cfg)
}

// Kinds returns the registered kinds, sorted
func (r *SourceRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func createGraphQLSource(_ context.Context, cfg SourceConfig) (PairingSource, error) {
	src, err := NewGraphQLPairingSource(GraphQLPairingSourceConfig{
		URL:            cfg.URL,
		ChainURLs:      cfg.ChainURLs,
		Timeout:        cfg.Timeout,
		RateLimitRPM:   cfg.RateLimitRPM,
		RateLimitBurst: cfg.RateLimitBurst,
		Retry:          cfg.Retry,
		Breaker:        cfg.Breaker,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create graphql source: %w", err)
	}
	return src, nil
}

func createPostgresSource(ctx context.Context, cfg SourceConfig) (PairingSource, error) {
	src, err := NewPostgresPairingSource(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres source: %w", err)
	}
	return src, nil
}
