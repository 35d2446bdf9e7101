package pricing

import (
	"context"
	"time"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
	"github.com/agatticelli/token-price-engine/internal/platform/resilience"
)

// BreakerSettings configures the circuit breaker guarding an upstream
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// newUpstreamBreaker creates a breaker whose state is exported as a gauge
func newUpstreamBreaker(name string, s BreakerSettings, metrics *observability.Metrics) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		Timeout:          s.Timeout,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.SetCircuitBreakerState(context.Background(), name, int64(to))
		},
	})
	metrics.SetCircuitBreakerState(context.Background(), name, int64(cb.State()))
	return cb
}

// statusOf maps an error to a metrics status label
func statusOf(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
