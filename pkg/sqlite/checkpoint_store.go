package sqlite

import (
	"context"
	"database/sql"

	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// CheckpointStore implements store.CheckpointStore using SQLite.
//
// Locks are stored in the projections row itself: locked_until carries the
// expiry so a crashed worker's lock is reclaimable without intervention.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a SQLite-backed checkpoint store.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save saves a checkpoint position, preserving lock state.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	if checkpoint.UpdatedAt.IsZero() {
		checkpoint.UpdatedAt = domain.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projections (projection_name, last_processed_sequence, locked, locked_until, updated_at)
		 VALUES (?, ?, 0, 0, ?)
		 ON CONFLICT(projection_name) DO UPDATE SET
		   last_processed_sequence = excluded.last_processed_sequence,
		   updated_at = excluded.updated_at`,
		checkpoint.ProjectionName, checkpoint.Position, toMicros(checkpoint.UpdatedAt))
	return wrapStorageErr("save checkpoint", err)
}

// Load loads a checkpoint. A projection without a stored checkpoint yields
// position 0 rather than an error.
func (s *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	cp := &store.ProjectionCheckpoint{ProjectionName: projectionName}
	var (
		locked      int
		lockedUntil int64
		updatedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_sequence, locked, locked_until, updated_at
		 FROM projections WHERE projection_name = ?`, projectionName).
		Scan(&cp.Position, &locked, &lockedUntil, &updatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return nil, wrapStorageErr("load checkpoint", err)
	}
	cp.Locked = locked != 0
	cp.LockedUntil = fromMicros(lockedUntil)
	cp.UpdatedAt = fromMicros(updatedAt)
	return cp, nil
}

// Delete deletes a checkpoint (for rebuilding).
func (s *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM projections WHERE projection_name = ?`, projectionName)
	return wrapStorageErr("delete checkpoint", err)
}

// AcquireLock attempts to lock the projection until now+timeout.
// An expired lock counts as free and is reclaimed.
func (s *CheckpointStore) AcquireLock(ctx context.Context, projectionName string, timeout time.Duration) (bool, error) {
	now := domain.Now()
	until := now.Add(timeout)

	// Ensure the row exists so a fresh projection can be locked.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO projections (projection_name, last_processed_sequence, locked, locked_until, updated_at)
		 VALUES (?, 0, 0, 0, ?)`, projectionName, toMicros(now))
	if err != nil {
		return false, wrapStorageErr("acquire lock: ensure row", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE projections SET locked = 1, locked_until = ?, updated_at = ?
		 WHERE projection_name = ? AND (locked = 0 OR locked_until < ?)`,
		toMicros(until), toMicros(now), projectionName, toMicros(now))
	if err != nil {
		return false, wrapStorageErr("acquire lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorageErr("acquire lock: rows", err)
	}
	return n > 0, nil
}

// ReleaseLock releases the projection lock.
func (s *CheckpointStore) ReleaseLock(ctx context.Context, projectionName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projections SET locked = 0, locked_until = 0, updated_at = ?
		 WHERE projection_name = ?`, toMicros(domain.Now()), projectionName)
	return wrapStorageErr("release lock", err)
}

// List returns every known checkpoint.
func (s *CheckpointStore) List(ctx context.Context) ([]*store.ProjectionCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT projection_name, last_processed_sequence, locked, locked_until, updated_at
		 FROM projections ORDER BY projection_name`)
	if err != nil {
		return nil, wrapStorageErr("list checkpoints", err)
	}
	defer rows.Close()

	var checkpoints []*store.ProjectionCheckpoint
	for rows.Next() {
		var (
			cp          store.ProjectionCheckpoint
			locked      int
			lockedUntil int64
			updatedAt   int64
		)
		if err := rows.Scan(&cp.ProjectionName, &cp.Position, &locked, &lockedUntil, &updatedAt); err != nil {
			return nil, wrapStorageErr("list checkpoints: scan", err)
		}
		cp.Locked = locked != 0
		cp.LockedUntil = fromMicros(lockedUntil)
		cp.UpdatedAt = fromMicros(updatedAt)
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}
