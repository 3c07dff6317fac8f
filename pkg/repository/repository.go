// Package repository provides the aggregate repository: the write model's
// only path to storage. It appends uncommitted events with optimistic
// concurrency, reconstitutes aggregates from snapshots plus event tails, and
// drives snapshotting and query-cache invalidation after each save.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/snapshot"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// Factory creates an empty aggregate ready for reconstitution.
type Factory[T domain.Aggregate] func(id domain.AggregateID) T

// TagInvalidator invalidates query-cache tags after a save.
// cache.Manager satisfies this.
type TagInvalidator interface {
	InvalidateTags(ctx context.Context, tags []string) error
}

// Repository persists and reconstitutes one aggregate type.
type Repository[T domain.Aggregate] struct {
	store         store.EventStore
	factory       Factory[T]
	aggregateType string

	snapshots   *snapshot.Manager
	upcasters   *domain.UpcasterRegistry
	invalidator TagInvalidator
	logger      *slog.Logger
	batchLimit  int
}

// Option configures a Repository.
type Option[T domain.Aggregate] func(*Repository[T])

// WithSnapshots enables snapshot-accelerated loads and post-save snapshotting.
func WithSnapshots[T domain.Aggregate](manager *snapshot.Manager) Option[T] {
	return func(r *Repository[T]) { r.snapshots = manager }
}

// WithUpcasters applies payload upcasters to events on load.
func WithUpcasters[T domain.Aggregate](registry *domain.UpcasterRegistry) Option[T] {
	return func(r *Repository[T]) { r.upcasters = registry }
}

// WithInvalidator invalidates the aggregate's query-cache tags after saves.
func WithInvalidator[T domain.Aggregate](invalidator TagInvalidator) Option[T] {
	return func(r *Repository[T]) { r.invalidator = invalidator }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger[T domain.Aggregate](logger *slog.Logger) Option[T] {
	return func(r *Repository[T]) { r.logger = logger }
}

// WithBatchConcurrency bounds parallel snapshot-tail loads in LoadBatch.
func WithBatchConcurrency[T domain.Aggregate](n int) Option[T] {
	return func(r *Repository[T]) { r.batchLimit = n }
}

// New creates a repository for one aggregate type.
func New[T domain.Aggregate](eventStore store.EventStore, aggregateType string, factory Factory[T], opts ...Option[T]) *Repository[T] {
	r := &Repository[T]{
		store:         eventStore,
		factory:       factory,
		aggregateType: aggregateType,
		batchLimit:    8,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Save appends the aggregate's uncommitted events. A clean aggregate is a
// no-op. On success the uncommitted buffer is cleared, the snapshot strategy
// is consulted and the aggregate's cache tags are invalidated.
func (r *Repository[T]) Save(ctx context.Context, aggregate T) error {
	events := aggregate.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}
	expectedVersion := aggregate.Version() - int64(len(events))

	if err := r.store.Append(ctx, aggregate.ID(), events, expectedVersion); err != nil {
		return err
	}
	aggregate.ClearUncommittedEvents()

	if r.snapshots != nil {
		r.snapshots.MaybeSnapshot(ctx, aggregate)
	}
	r.invalidate(ctx, aggregate.ID())
	return nil
}

// Tags returns the cache tags invalidated when an aggregate changes.
func (r *Repository[T]) Tags(aggregateID domain.AggregateID) []string {
	return []string{
		"aggregate:" + aggregateID.String(),
		"aggregate_type:" + r.aggregateType,
	}
}

func (r *Repository[T]) invalidate(ctx context.Context, aggregateID domain.AggregateID) {
	if r.invalidator == nil {
		return
	}
	if err := r.invalidator.InvalidateTags(ctx, r.Tags(aggregateID)); err != nil {
		r.logger.Warn("cache invalidation failed",
			slog.String("aggregate_id", aggregateID.String()), slog.Any("error", err))
	}
}

// Load reconstitutes an aggregate: snapshot first when available and intact,
// then the event tail. A corrupt snapshot falls back to full replay.
// Returns domain.ErrAggregateNotFound when nothing is stored.
func (r *Repository[T]) Load(ctx context.Context, aggregateID domain.AggregateID) (T, error) {
	var zero T
	aggregate := r.factory(aggregateID)
	fromVersion := int64(1)

	if r.snapshots != nil {
		snap, err := r.snapshots.Load(ctx, aggregateID)
		switch {
		case err == nil:
			if restoreErr := snapshot.Restore(aggregate, snap); restoreErr == nil {
				fromVersion = snap.Version + 1
			} else {
				r.logger.Warn("snapshot restore failed, replaying from scratch",
					slog.String("aggregate_id", aggregateID.String()), slog.Any("error", restoreErr))
				aggregate = r.factory(aggregateID)
			}
		case errors.Is(err, domain.ErrSnapshotNotFound):
		case errors.Is(err, domain.ErrSnapshotIntegrity):
			r.logger.Error("snapshot integrity check failed, replaying from scratch",
				slog.String("aggregate_id", aggregateID.String()))
		default:
			return zero, err
		}
	}

	stream, err := r.store.Load(ctx, aggregateID, fromVersion, 0)
	if err != nil {
		return zero, err
	}
	if stream.IsEmpty() && fromVersion == 1 {
		return zero, fmt.Errorf("%w: %s", domain.ErrAggregateNotFound, aggregateID)
	}
	if err := r.apply(aggregate, stream.Events()); err != nil {
		return zero, err
	}
	return aggregate, nil
}

func (r *Repository[T]) apply(aggregate T, events []*domain.Event) error {
	for _, evt := range events {
		if r.upcasters != nil {
			if err := r.upcasters.Apply(evt); err != nil {
				return err
			}
		}
		if err := aggregate.ApplyEvent(evt); err != nil {
			return fmt.Errorf("apply %s v%d to %s: %w", evt.EventType, evt.Version, evt.AggregateID, err)
		}
	}
	aggregate.Replay(events)
	return nil
}

// LoadBatch reconstitutes several aggregates. Aggregates with no stored
// state are absent from the result map. Aggregates with snapshots load their
// tails in parallel; the rest share one batched event load.
func (r *Repository[T]) LoadBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]T, error) {
	result := make(map[domain.AggregateID]T, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	snaps := map[domain.AggregateID]*store.Snapshot{}
	if r.snapshots != nil {
		loaded, err := r.snapshots.LoadBatch(ctx, ids)
		if err != nil {
			return nil, err
		}
		snaps = loaded
	}

	var plain []domain.AggregateID
	for _, id := range ids {
		if _, ok := snaps[id]; !ok {
			plain = append(plain, id)
		}
	}

	if len(plain) > 0 {
		streams, err := r.store.LoadBatch(ctx, plain, 1, 0)
		if err != nil {
			return nil, err
		}
		for id, stream := range streams {
			if stream.IsEmpty() {
				continue
			}
			aggregate := r.factory(id)
			if err := r.apply(aggregate, stream.Events()); err != nil {
				return nil, err
			}
			result[id] = aggregate
		}
	}

	if len(snaps) > 0 {
		type loaded struct {
			id        domain.AggregateID
			aggregate T
		}
		out := make(chan loaded, len(snaps))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.batchLimit)
		for id, snap := range snaps {
			g.Go(func() error {
				aggregate := r.factory(id)
				if err := snapshot.Restore(aggregate, snap); err != nil {
					return err
				}
				stream, err := r.store.Load(gctx, id, snap.Version+1, 0)
				if err != nil {
					return err
				}
				if err := r.apply(aggregate, stream.Events()); err != nil {
					return err
				}
				out <- loaded{id: id, aggregate: aggregate}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		close(out)
		for l := range out {
			result[l.id] = l.aggregate
		}
	}
	return result, nil
}

// Exists reports whether the aggregate has any stored events.
func (r *Repository[T]) Exists(ctx context.Context, aggregateID domain.AggregateID) (bool, error) {
	return r.store.AggregateExists(ctx, aggregateID)
}

// Version returns the aggregate's current stored version (0 if none).
func (r *Repository[T]) Version(ctx context.Context, aggregateID domain.AggregateID) (int64, error) {
	return r.store.AggregateVersion(ctx, aggregateID)
}
