package pricing

import (
	"sync"
	"time"

	"github.com/agatticelli/token-price-engine/internal/platform/resilience"
)

// ProviderHealth is the current health of an upstream used by the engine
// (price feed, indexer). The ops server aggregates it for /health and /ready.
type ProviderHealth struct {
	// Provider is the upstream name (e.g. "coinbase", "graphql-indexer")
	Provider string

	// Target is what the provider is queried for (symbol or endpoint)
	Target string

	LastSuccess         time.Time
	LastFailure         time.Time
	LastError           string
	LastDuration        time.Duration
	ConsecutiveFailures int

	// CircuitState is closed, open or half-open
	CircuitState string
}

// Healthy reports whether the last call succeeded and the breaker is not open
func (h ProviderHealth) Healthy() bool {
	return h.ConsecutiveFailures == 0 && h.CircuitState != resilience.StateOpen.String()
}

// HealthProvider is implemented by upstream clients that track their health.
// Health must be safe for concurrent use and must not block.
type HealthProvider interface {
	Health() ProviderHealth
}

// healthTracker records call outcomes for a HealthProvider
type healthTracker struct {
	mu     sync.RWMutex
	health ProviderHealth
	cb     *resilience.CircuitBreaker
	now    func() time.Time
}

func newHealthTracker(provider, target string, cb *resilience.CircuitBreaker) *healthTracker {
	return &healthTracker{
		health: ProviderHealth{Provider: provider, Target: target},
		cb:     cb,
		now:    time.Now,
	}
}

func (t *healthTracker) record(err error, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.LastDuration = duration
	if err == nil {
		t.health.LastSuccess = t.now()
		t.health.LastError = ""
		t.health.ConsecutiveFailures = 0
		return
	}

	t.health.LastFailure = t.now()
	t.health.LastError = err.Error()
	t.health.ConsecutiveFailures++
}

func (t *healthTracker) snapshot() ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.health
	if t.cb != nil {
		h.CircuitState = t.cb.State().String()
	}
	return h
}
