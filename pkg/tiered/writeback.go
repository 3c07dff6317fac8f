package tiered

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// writeBackJob carries one hot append awaiting durable persistence.
type writeBackJob struct {
	aggregateID     domain.AggregateID
	events          []*domain.Event
	expectedVersion int64
}

func (s *Store) enqueue(job writeBackJob) {
	select {
	case s.jobs <- job:
	default:
		// The queue is full; blocking the request path would defeat the async
		// mode, so persist inline instead.
		s.logger.Warn("write-back queue full, persisting inline",
			slog.String("aggregate_id", job.aggregateID.String()))
		s.persist(context.Background(), job)
	}
}

// writeBackLoop is the single write-back worker. One worker keeps durable
// appends globally FIFO, which preserves per-aggregate ordering.
func (s *Store) writeBackLoop() {
	defer close(s.done)
	for job := range s.jobs {
		s.persist(context.Background(), job)
	}
}

func (s *Store) persist(ctx context.Context, job writeBackJob) {
	var attempts int
	policy := backoff.WithMaxRetries(newWriteBackBackOff(), s.maxRetries)

	err := backoff.Retry(func() error {
		attempts++
		err := s.warm.Append(ctx, job.aggregateID, job.events, job.expectedVersion)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err == nil {
		s.writeBacks.Add(1)
		return
	}

	// The hot entry is now ahead of warm with no way to catch up; evict so
	// reads fall back to the durable truth.
	if evictErr := s.hot.Evict(ctx, job.aggregateID); evictErr != nil {
		s.logger.Warn("hot evict after write-back failure failed",
			slog.String("aggregate_id", job.aggregateID.String()), slog.Any("error", evictErr))
	}
	s.park(ctx, job, attempts, err)
}

func (s *Store) park(ctx context.Context, job writeBackJob, attempts int, cause error) {
	s.logger.Error("write-back exhausted retries",
		slog.String("aggregate_id", job.aggregateID.String()),
		slog.Int("events", len(job.events)),
		slog.Int("attempts", attempts),
		slog.Any("error", cause))

	if s.deadLetters == nil {
		return
	}
	payload, err := json.Marshal(job.events)
	if err != nil {
		s.logger.Error("dead letter encode failed",
			slog.String("aggregate_id", job.aggregateID.String()), slog.Any("error", err))
		return
	}
	if err := s.deadLetters.Park(ctx, job.aggregateID, payload, cause.Error(), attempts); err != nil {
		s.logger.Error("dead letter park failed",
			slog.String("aggregate_id", job.aggregateID.String()), slog.Any("error", err))
		return
	}
	s.parked.Add(1)
}

func newWriteBackBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}
