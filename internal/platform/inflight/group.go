// Package inflight collapses concurrent computations of the same key into one.
package inflight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

// Group deduplicates concurrent calls per key. Callers that arrive while a
// computation for their key is running join it and receive the same value
// and error. The entry is released when the computation returns, whatever
// the outcome, so the next call starts fresh.
//
// The computation is detached from caller cancellation: it runs to completion
// even if every caller has stopped waiting.
type Group[T any] struct {
	name    string
	sf      singleflight.Group
	metrics *observability.Metrics

	mu      sync.Mutex
	waiting map[string]int
}

// NewGroup creates a group. name labels join metrics.
func NewGroup[T any](name string, metrics *observability.Metrics) *Group[T] {
	return &Group[T]{
		name:    name,
		metrics: metrics,
		waiting: make(map[string]int),
	}
}

// Do runs fn once per key among concurrent callers. shared reports whether
// the result was delivered to more than one caller. If ctx is cancelled
// before the result is ready, Do returns ctx.Err() without affecting the
// running computation.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error, bool) {
	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})

	if g.join(key) {
		g.metrics.RecordInflightJoin(ctx, g.name)
	}
	defer g.leave(key)

	select {
	case res := <-ch:
		var v T
		if res.Val != nil {
			v = res.Val.(T)
		}
		return v, res.Err, res.Shared
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err(), false
	}
}

// InFlight returns the number of keys with a computation currently attached
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting)
}

// Waiting returns how many callers are currently attached to key
func (g *Group[T]) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting[key]
}

// join registers a caller and reports whether another caller was already attached
func (g *Group[T]) join(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.waiting[key]
	g.waiting[key] = n + 1
	return n > 0
}

func (g *Group[T]) leave(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiting[key] <= 1 {
		delete(g.waiting, key)
		return
	}
	g.waiting[key]--
}
