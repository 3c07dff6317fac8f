package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Snapshot represents a serialized aggregate state at a specific version.
type Snapshot struct {
	AggregateID   domain.AggregateID
	AggregateType string
	Version       int64
	State         []byte
	Hash          string
	CreatedAt     time.Time
}

// ComputeHash returns the content hash over the serialized state.
func ComputeHash(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored hash matches the serialized state.
func (s *Snapshot) Verify() bool {
	return s.Hash == ComputeHash(s.State)
}

// SnapshotStore defines the interface for snapshot persistence.
//
// Loads must verify integrity: a snapshot whose hash does not cover its state
// fails the load with domain.ErrSnapshotIntegrity so the caller can fall back
// to full replay.
type SnapshotStore interface {
	// Save persists a snapshot for an aggregate at the given version.
	Save(ctx context.Context, snapshot *Snapshot) error

	// Load retrieves the most recent snapshot for an aggregate.
	// Returns domain.ErrSnapshotNotFound if none exists.
	Load(ctx context.Context, aggregateID domain.AggregateID) (*Snapshot, error)

	// LoadVersion retrieves the snapshot at an exact version.
	LoadVersion(ctx context.Context, aggregateID domain.AggregateID, version int64) (*Snapshot, error)

	// LoadBatch retrieves the latest snapshot per aggregate.
	// Aggregates without a snapshot are absent from the result map.
	LoadBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]*Snapshot, error)

	// Exists reports whether any snapshot exists for the aggregate.
	Exists(ctx context.Context, aggregateID domain.AggregateID) (bool, error)

	// Prune removes old snapshots, keeping the newest keep versions.
	Prune(ctx context.Context, aggregateID domain.AggregateID, keep int) error

	// RemoveAll deletes every snapshot for the aggregate.
	RemoveAll(ctx context.Context, aggregateID domain.AggregateID) error

	// Stats returns statistics about snapshots in the store.
	Stats(ctx context.Context) (*SnapshotStats, error)
}

// SnapshotStats contains statistics about stored snapshots.
type SnapshotStats struct {
	TotalSnapshots   int64
	UniqueAggregates int64
	TotalSizeBytes   int64
	AvgSizeBytes     int64
	OldestSnapshot   time.Time
	NewestSnapshot   time.Time
}
