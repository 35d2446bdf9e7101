package cache

import (
	"context"
	"sync"
	"time"

	"github.com/agatticelli/token-price-engine/internal/platform/observability"
)

// BestEffortWriter runs writes in the background. A failed write is logged
// and counted; it never reaches the caller that scheduled it.
type BestEffortWriter struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewBestEffortWriter creates a writer. timeout bounds each write (default 3s).
func NewBestEffortWriter(logger *observability.Logger, metrics *observability.Metrics, timeout time.Duration) *BestEffortWriter {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &BestEffortWriter{
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
}

// Go schedules fn. The write outlives ctx cancellation but keeps its values
// (trace ids) for logging.
func (w *BestEffortWriter) Go(ctx context.Context, operation string, fn func(ctx context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()

		if err := fn(writeCtx); err != nil {
			w.logger.LogWarnErr(writeCtx, "best-effort write failed", err, "operation", operation)
			w.metrics.RecordBestEffortFailure(writeCtx, operation)
		}
	}()
}

// Wait blocks until all scheduled writes have finished
func (w *BestEffortWriter) Wait() {
	w.wg.Wait()
}
