package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBestEffortWriterRunsInBackground(t *testing.T) {
	w := NewBestEffortWriter(nil, nil, time.Second)

	var ran atomic.Int32
	w.Go(context.Background(), "test", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	w.Go(context.Background(), "test", func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	})
	w.Wait()

	if ran.Load() != 2 {
		t.Fatalf("expected 2 writes, got %d", ran.Load())
	}
}

func TestBestEffortWriterAppliesTimeout(t *testing.T) {
	w := NewBestEffortWriter(nil, nil, 20*time.Millisecond)

	var deadlineHit atomic.Bool
	w.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadlineHit.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	w.Wait()

	if !deadlineHit.Load() {
		t.Fatal("expected write context to hit its deadline")
	}
}
