package store

import (
	"context"
	"time"
)

// ProjectionCheckpoint tracks the progress of a projection.
// Position is a global sequence number: events at or below it have been
// processed by the projection.
type ProjectionCheckpoint struct {
	ProjectionName string
	Position       int64
	Locked         bool
	LockedUntil    time.Time
	UpdatedAt      time.Time
}

// CheckpointStore persists projection checkpoints and their locks.
//
// The lock serializes checkpoint advancement per projection across workers.
// Locks auto-expire at LockedUntil so a crashed worker cannot wedge a
// projection; an expired lock is reclaimable by any worker.
type CheckpointStore interface {
	// Save saves a checkpoint position.
	Save(ctx context.Context, checkpoint *ProjectionCheckpoint) error

	// Load loads a checkpoint for a projection.
	// A projection without a checkpoint yields position 0, not an error.
	Load(ctx context.Context, projectionName string) (*ProjectionCheckpoint, error)

	// Delete deletes a checkpoint (for rebuilding).
	Delete(ctx context.Context, projectionName string) error

	// AcquireLock attempts to lock the projection until now+timeout.
	// Returns false if a live lock is held by someone else.
	AcquireLock(ctx context.Context, projectionName string, timeout time.Duration) (bool, error)

	// ReleaseLock releases the projection lock.
	ReleaseLock(ctx context.Context, projectionName string) error

	// List returns every known checkpoint.
	List(ctx context.Context) ([]*ProjectionCheckpoint, error)
}
