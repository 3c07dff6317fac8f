// Package tiered composes the hot and warm event store tiers behind the
// store.EventStore contract.
//
// Writes land in the hot tier first so follow-up reads within the request see
// them, then persist durably either inline or through an asynchronous
// write-back worker. Reads probe hot, fall through to warm and promote the
// result. Optimistic concurrency is enforced at the durable tier; on conflict
// the hot entry is evicted so stale state cannot be served.
package tiered

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/hotstore"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// WarmStore is what the durable tier must provide.
type WarmStore interface {
	store.EventStore
	store.SequencedStore
}

// DeadLetterSink receives events whose asynchronous write-back exhausted its
// retries. sqlite.DeadLetterStore satisfies this.
type DeadLetterSink interface {
	Park(ctx context.Context, aggregateID domain.AggregateID, payload []byte, reason string, attempts int) error
}

// Store is the tiered event store.
type Store struct {
	hot    hotstore.Store
	warm   WarmStore
	logger *slog.Logger

	async       bool
	deadLetters DeadLetterSink
	maxRetries  uint64
	jobs        chan writeBackJob
	done        chan struct{}

	hotHits    atomic.Int64
	hotMisses  atomic.Int64
	promotions atomic.Int64
	writeBacks atomic.Int64
	parked     atomic.Int64
}

// Option configures the tiered store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithAsyncWriteBack makes Append return after the hot write, persisting to
// the warm tier from a background worker with at-least-once semantics.
// Exhausted retries park the events in the sink (nil sink logs and drops).
func WithAsyncWriteBack(sink DeadLetterSink) Option {
	return func(s *Store) {
		s.async = true
		s.deadLetters = sink
	}
}

// WithWriteBackRetries bounds retry attempts per write-back job.
func WithWriteBackRetries(n uint64) Option {
	return func(s *Store) { s.maxRetries = n }
}

// WithWriteBackBuffer sets the pending write-back queue depth.
func WithWriteBackBuffer(n int) Option {
	return func(s *Store) { s.jobs = make(chan writeBackJob, n) }
}

// NewStore creates a tiered store over the given hot and warm tiers.
// Close stops the write-back worker and closes both tiers.
func NewStore(hot hotstore.Store, warm WarmStore, opts ...Option) *Store {
	s := &Store{
		hot:        hot,
		warm:       warm,
		maxRetries: 5,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.async {
		if s.jobs == nil {
			s.jobs = make(chan writeBackJob, 1024)
		}
		go s.writeBackLoop()
	}
	return s
}

// Append appends events hot-first, then durably.
func (s *Store) Append(ctx context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}

	ok, err := s.hot.Append(ctx, aggregateID, events, expectedVersion)
	if err != nil {
		s.logger.Warn("hot append failed", slog.String("aggregate_id", aggregateID.String()), slog.Any("error", err))
	} else if !ok {
		// Hot version diverged from the caller's view; drop the entry so the
		// next read repopulates from warm.
		if err := s.hot.Evict(ctx, aggregateID); err != nil {
			s.logger.Warn("hot evict failed", slog.String("aggregate_id", aggregateID.String()), slog.Any("error", err))
		}
	}

	if s.async {
		s.enqueue(writeBackJob{
			aggregateID:     aggregateID,
			events:          events,
			expectedVersion: expectedVersion,
		})
		return nil
	}

	if err := s.warm.Append(ctx, aggregateID, events, expectedVersion); err != nil {
		// The hot tier accepted a write the durable tier refused.
		if evictErr := s.hot.Evict(ctx, aggregateID); evictErr != nil {
			s.logger.Warn("hot evict after conflict failed",
				slog.String("aggregate_id", aggregateID.String()), slog.Any("error", evictErr))
		}
		return err
	}
	return nil
}

// Load reads one aggregate's stream, hot tier first.
func (s *Store) Load(ctx context.Context, aggregateID domain.AggregateID, fromVersion, toVersion int64) (domain.EventStream, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	if stream, ok := s.loadHot(ctx, aggregateID, fromVersion, toVersion); ok {
		return stream, nil
	}

	stream, err := s.warm.Load(ctx, aggregateID, fromVersion, toVersion)
	if err != nil {
		return domain.EmptyStream(), err
	}
	if fromVersion <= 1 && toVersion == 0 && !stream.IsEmpty() {
		s.promote(ctx, aggregateID, stream)
	}
	return stream, nil
}

func (s *Store) loadHot(ctx context.Context, aggregateID domain.AggregateID, fromVersion, toVersion int64) (domain.EventStream, bool) {
	cached, ok, err := s.hot.Get(ctx, aggregateID)
	if err != nil {
		s.logger.Warn("hot get failed", slog.String("aggregate_id", aggregateID.String()), slog.Any("error", err))
		s.hotMisses.Add(1)
		return domain.EmptyStream(), false
	}
	if !ok || (toVersion > 0 && toVersion > cached.Version()) {
		s.hotMisses.Add(1)
		return domain.EmptyStream(), false
	}
	s.hotHits.Add(1)
	if fromVersion <= 1 && toVersion == 0 {
		return cached, true
	}
	var ranged []*domain.Event
	for _, evt := range cached.Events() {
		if evt.Version < fromVersion {
			continue
		}
		if toVersion > 0 && evt.Version > toVersion {
			break
		}
		ranged = append(ranged, evt)
	}
	return domain.NewEventStream(ranged), true
}

func (s *Store) promote(ctx context.Context, aggregateID domain.AggregateID, stream domain.EventStream) {
	if err := s.hot.Put(ctx, aggregateID, stream); err != nil {
		s.logger.Warn("hot promotion failed", slog.String("aggregate_id", aggregateID.String()), slog.Any("error", err))
		return
	}
	s.promotions.Add(1)
}

// LoadBatch loads several aggregates, serving what it can from hot.
func (s *Store) LoadBatch(ctx context.Context, ids []domain.AggregateID, fromVersion, toVersion int64) (map[domain.AggregateID]domain.EventStream, error) {
	result := make(map[domain.AggregateID]domain.EventStream, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	var misses []domain.AggregateID
	for _, id := range ids {
		if stream, ok := s.loadHot(ctx, id, fromVersion, toVersion); ok {
			result[id] = stream
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return result, nil
	}

	warm, err := s.warm.LoadBatch(ctx, misses, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	for id, stream := range warm {
		result[id] = stream
		if fromVersion <= 1 && toVersion == 0 && !stream.IsEmpty() {
			s.promote(ctx, id, stream)
		}
	}
	return result, nil
}

// AggregateExists reports whether the aggregate has any events.
func (s *Store) AggregateExists(ctx context.Context, aggregateID domain.AggregateID) (bool, error) {
	if _, ok, err := s.hot.Version(ctx, aggregateID); err == nil && ok {
		return true, nil
	}
	return s.warm.AggregateExists(ctx, aggregateID)
}

// AggregateExistsBatch is the batch form of AggregateExists.
func (s *Store) AggregateExistsBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]bool, error) {
	return s.warm.AggregateExistsBatch(ctx, ids)
}

// AggregateVersion returns the current highest version. Under asynchronous
// write-back the hot tier may be ahead of warm, so hot wins when present.
func (s *Store) AggregateVersion(ctx context.Context, aggregateID domain.AggregateID) (int64, error) {
	if version, ok, err := s.hot.Version(ctx, aggregateID); err == nil && ok {
		return version, nil
	}
	return s.warm.AggregateVersion(ctx, aggregateID)
}

// AggregateVersionsBatch is the batch form of AggregateVersion.
func (s *Store) AggregateVersionsBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]int64, error) {
	result, err := s.warm.AggregateVersionsBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if version, ok, err := s.hot.Version(ctx, id); err == nil && ok && version > result[id] {
			result[id] = version
		}
	}
	return result, nil
}

// LoadEventsByType queries the warm tier; the global sequence ordering only
// exists there.
func (s *Store) LoadEventsByType(ctx context.Context, eventType string, limit, offset int) ([]*domain.Event, error) {
	return s.warm.LoadEventsByType(ctx, eventType, limit, offset)
}

// LoadEventsFromSequence queries the warm tier.
func (s *Store) LoadEventsFromSequence(ctx context.Context, fromSequence int64, limit int) ([]*domain.Event, error) {
	return s.warm.LoadEventsFromSequence(ctx, fromSequence, limit)
}

// LatestSequence queries the warm tier.
func (s *Store) LatestSequence(ctx context.Context) (int64, error) {
	return s.warm.LatestSequence(ctx)
}

// Evict drops the hot entry for an aggregate.
func (s *Store) Evict(ctx context.Context, aggregateID domain.AggregateID) error {
	return s.hot.Evict(ctx, aggregateID)
}

// Stats describes tier traffic since startup.
type Stats struct {
	HotHits     int64
	HotMisses   int64
	Promotions  int64
	WriteBacks  int64
	DeadLetters int64
}

// Stats returns a snapshot of tier traffic counters.
func (s *Store) Stats() Stats {
	return Stats{
		HotHits:     s.hotHits.Load(),
		HotMisses:   s.hotMisses.Load(),
		Promotions:  s.promotions.Load(),
		WriteBacks:  s.writeBacks.Load(),
		DeadLetters: s.parked.Load(),
	}
}

// Close drains the write-back queue and closes both tiers.
func (s *Store) Close() error {
	if s.async {
		close(s.jobs)
		<-s.done
	}
	if err := s.hot.Close(); err != nil {
		s.logger.Warn("hot close failed", slog.Any("error", err))
	}
	return s.warm.Close()
}
