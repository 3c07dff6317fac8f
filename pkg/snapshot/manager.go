package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// restorer is what an aggregate must provide to be snapshot-seeded.
// AggregateRoot supplies SeedFromSnapshot; the concrete type supplies the
// Snapshotable codec.
type restorer interface {
	domain.Snapshotable
	SeedFromSnapshot(version int64)
}

// Manager enforces the snapshot strategy around the repository's save path
// and serves snapshots on the load path.
type Manager struct {
	store    store.SnapshotStore
	strategy Strategy
	keep     int
	logger   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStrategy sets the snapshot strategy. Default simple(10).
func WithStrategy(strategy Strategy) ManagerOption {
	return func(m *Manager) { m.strategy = strategy }
}

// WithKeep sets how many snapshot versions to retain per aggregate. Default 3.
func WithKeep(keep int) ManagerOption {
	return func(m *Manager) { m.keep = keep }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a snapshot manager over the given store.
func NewManager(snapshots store.SnapshotStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    snapshots,
		strategy: NewSimpleStrategy(DefaultThreshold),
		keep:     3,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Strategy returns the active strategy.
func (m *Manager) Strategy() Strategy { return m.strategy }

// MaybeSnapshot consults the strategy after a successful append and takes a
// snapshot when one is due. Snapshot failures are logged, never fatal: the
// event log remains the source of truth.
func (m *Manager) MaybeSnapshot(ctx context.Context, aggregate domain.Aggregate) {
	last, err := m.Load(ctx, aggregate.ID())
	if err != nil && !errors.Is(err, domain.ErrSnapshotNotFound) {
		m.logger.Warn("snapshot lookup failed",
			slog.String("aggregate_id", aggregate.ID().String()), slog.Any("error", err))
		last = nil
	}
	if !m.strategy.ShouldSnapshot(aggregate, last) {
		return
	}
	if err := m.Take(ctx, aggregate); err != nil {
		m.logger.Warn("snapshot failed",
			slog.String("aggregate_id", aggregate.ID().String()),
			slog.Int64("version", aggregate.Version()),
			slog.Any("error", err))
	}
}

// Take snapshots the aggregate at its current version and prunes old
// versions. The aggregate must implement domain.Snapshotable.
func (m *Manager) Take(ctx context.Context, aggregate domain.Aggregate) error {
	snapshotable, ok := aggregate.(domain.Snapshotable)
	if !ok {
		return fmt.Errorf("snapshot: %s is not snapshotable", aggregate.Type())
	}
	state, err := snapshotable.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot: marshal %s: %w", aggregate.ID(), err)
	}
	snap := &store.Snapshot{
		AggregateID:   aggregate.ID(),
		AggregateType: aggregate.Type(),
		Version:       aggregate.Version(),
		State:         state,
		Hash:          store.ComputeHash(state),
		CreatedAt:     domain.Now(),
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("snapshot: save %s@%d: %w", aggregate.ID(), aggregate.Version(), err)
	}
	if err := m.store.Prune(ctx, aggregate.ID(), m.keep); err != nil {
		m.logger.Warn("snapshot prune failed",
			slog.String("aggregate_id", aggregate.ID().String()), slog.Any("error", err))
	}
	return nil
}

// Load returns the newest integrity-verified snapshot for an aggregate.
// Returns domain.ErrSnapshotNotFound if none exists and
// domain.ErrSnapshotIntegrity if the stored snapshot is corrupt.
func (m *Manager) Load(ctx context.Context, aggregateID domain.AggregateID) (*store.Snapshot, error) {
	return m.store.Load(ctx, aggregateID)
}

// LoadBatch returns the newest snapshot per aggregate; corrupt or missing
// snapshots are simply absent.
func (m *Manager) LoadBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]*store.Snapshot, error) {
	return m.store.LoadBatch(ctx, ids)
}

// Restore seeds an aggregate from a snapshot.
func Restore(aggregate domain.Aggregate, snap *store.Snapshot) error {
	r, ok := aggregate.(restorer)
	if !ok {
		return fmt.Errorf("snapshot: %s cannot restore from snapshots", aggregate.Type())
	}
	if err := r.UnmarshalSnapshot(snap.State); err != nil {
		return fmt.Errorf("snapshot: restore %s@%d: %w", snap.AggregateID, snap.Version, err)
	}
	r.SeedFromSnapshot(snap.Version)
	return nil
}

// RemoveAll deletes every snapshot for an aggregate.
func (m *Manager) RemoveAll(ctx context.Context, aggregateID domain.AggregateID) error {
	return m.store.RemoveAll(ctx, aggregateID)
}

// Stats exposes snapshot store statistics.
func (m *Manager) Stats(ctx context.Context) (*store.SnapshotStats, error) {
	return m.store.Stats(ctx)
}
