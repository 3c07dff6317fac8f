package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBatchSize       = 64
	defaultBatchesPerSec   = 10
	defaultBatcherInterval = 50 * time.Millisecond
)

// tagBatcher coalesces tag invalidations for the slower tiers. Tags are
// deduplicated while pending; flushes are rate limited and failed batches
// are re-queued so an invalidation is never silently dropped.
type tagBatcher struct {
	flush     func(ctx context.Context, tags []string) error
	limiter   *rate.Limiter
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

func newTagBatcher(flush func(ctx context.Context, tags []string) error, logger *slog.Logger) *tagBatcher {
	b := &tagBatcher{
		flush:     flush,
		limiter:   rate.NewLimiter(rate.Limit(defaultBatchesPerSec), 1),
		batchSize: defaultBatchSize,
		interval:  defaultBatcherInterval,
		logger:    logger,
		pending:   make(map[string]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *tagBatcher) enqueue(tags []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tag := range tags {
		b.pending[tag] = struct{}{}
	}
}

func (b *tagBatcher) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *tagBatcher) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			// Final drain so shutdown does not lose queued invalidations.
			b.flushOnce(context.Background())
			return
		case <-ticker.C:
			b.flushOnce(context.Background())
		}
	}
}

// flushOnce takes up to batchSize pending tags and invalidates them,
// re-queueing the batch on failure.
func (b *tagBatcher) flushOnce(ctx context.Context) {
	batch := b.take()
	if len(batch) == 0 {
		return
	}
	if err := b.limiter.Wait(ctx); err != nil {
		b.enqueue(batch)
		return
	}
	if err := b.flush(ctx, batch); err != nil {
		b.logger.Warn("tag invalidation batch failed, re-queueing",
			slog.Int("tags", len(batch)), slog.Any("error", err))
		b.enqueue(batch)
	}
}

func (b *tagBatcher) take() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	batch := make([]string, 0, b.batchSize)
	for tag := range b.pending {
		batch = append(batch, tag)
		delete(b.pending, tag)
		if len(batch) == b.batchSize {
			break
		}
	}
	return batch
}

func (b *tagBatcher) close() {
	close(b.stop)
	<-b.done
}
