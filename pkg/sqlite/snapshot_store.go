package sqlite

import (
	"context"
	"database/sql"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// SnapshotStore implements store.SnapshotStore using SQLite.
// Loads verify the content hash; a mismatch fails the load so the caller
// falls back to full replay.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a SQLite-backed snapshot store.
// Pass eventStore.DB() to co-locate snapshots with the event log.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists a snapshot, computing the content hash if absent.
func (s *SnapshotStore) Save(ctx context.Context, snapshot *store.Snapshot) error {
	if snapshot.Hash == "" {
		snapshot.Hash = store.ComputeHash(snapshot.State)
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = domain.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (aggregate_id, aggregate_type, version, state, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snapshot.AggregateID.String(), snapshot.AggregateType, snapshot.Version,
		snapshot.State, snapshot.Hash, toMicros(snapshot.CreatedAt))
	return wrapStorageErr("save snapshot", err)
}

// Load retrieves the most recent snapshot for an aggregate.
func (s *SnapshotStore) Load(ctx context.Context, aggregateID domain.AggregateID) (*store.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT aggregate_id, aggregate_type, version, state, hash, created_at
		 FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`,
		aggregateID.String())
	return scanSnapshot(row)
}

// LoadVersion retrieves the snapshot at an exact version.
func (s *SnapshotStore) LoadVersion(ctx context.Context, aggregateID domain.AggregateID, version int64) (*store.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT aggregate_id, aggregate_type, version, state, hash, created_at
		 FROM snapshots WHERE aggregate_id = ? AND version = ?`,
		aggregateID.String(), version)
	return scanSnapshot(row)
}

// LoadBatch retrieves the latest snapshot per aggregate.
func (s *SnapshotStore) LoadBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]*store.Snapshot, error) {
	result := make(map[domain.AggregateID]*store.Snapshot, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.aggregate_id, s.aggregate_type, s.version, s.state, s.hash, s.created_at
		 FROM snapshots s
		 JOIN (SELECT aggregate_id, MAX(version) AS version FROM snapshots
		       WHERE aggregate_id IN (`+placeholders(len(ids))+`) GROUP BY aggregate_id) latest
		   ON s.aggregate_id = latest.aggregate_id AND s.version = latest.version`, args...)
	if err != nil {
		return nil, wrapStorageErr("load snapshot batch", err)
	}
	defer rows.Close()
	for rows.Next() {
		snap, err := scanSnapshotRow(rows)
		if err != nil {
			// Corrupt snapshots are skipped in batch mode; the repository
			// falls back to full replay for those aggregates.
			continue
		}
		result[snap.AggregateID] = snap
	}
	return result, rows.Err()
}

// Exists reports whether any snapshot exists for the aggregate.
func (s *SnapshotStore) Exists(ctx context.Context, aggregateID domain.AggregateID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM snapshots WHERE aggregate_id = ? LIMIT 1`, aggregateID.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapStorageErr("snapshot exists", err)
	}
	return true, nil
}

// Prune removes old snapshots, keeping the newest keep versions.
func (s *SnapshotStore) Prune(ctx context.Context, aggregateID domain.AggregateID, keep int) error {
	if keep < 1 {
		keep = 3
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = ? AND version NOT IN (
			SELECT version FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT ?
		)`, aggregateID.String(), aggregateID.String(), keep)
	return wrapStorageErr("prune snapshots", err)
}

// RemoveAll deletes every snapshot for the aggregate.
func (s *SnapshotStore) RemoveAll(ctx context.Context, aggregateID domain.AggregateID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID.String())
	return wrapStorageErr("remove snapshots", err)
}

// Stats returns statistics about snapshots in the store.
func (s *SnapshotStore) Stats(ctx context.Context) (*store.SnapshotStats, error) {
	var (
		stats          store.SnapshotStats
		totalSize      sql.NullInt64
		avgSize        sql.NullFloat64
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT aggregate_id),
		        SUM(LENGTH(state)), AVG(LENGTH(state)), MIN(created_at), MAX(created_at)
		 FROM snapshots`).Scan(&stats.TotalSnapshots, &stats.UniqueAggregates,
		&totalSize, &avgSize, &oldest, &newest)
	if err != nil {
		return nil, wrapStorageErr("snapshot stats", err)
	}
	if totalSize.Valid {
		stats.TotalSizeBytes = totalSize.Int64
	}
	if avgSize.Valid {
		stats.AvgSizeBytes = int64(avgSize.Float64)
	}
	if oldest.Valid {
		stats.OldestSnapshot = fromMicros(oldest.Int64)
	}
	if newest.Valid {
		stats.NewestSnapshot = fromMicros(newest.Int64)
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row *sql.Row) (*store.Snapshot, error) {
	snap, err := scanSnapshotRow(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSnapshotNotFound
	}
	return snap, err
}

func scanSnapshotRow(row rowScanner) (*store.Snapshot, error) {
	var (
		snap        store.Snapshot
		aggregateID string
		createdAt   int64
	)
	if err := row.Scan(&aggregateID, &snap.AggregateType, &snap.Version,
		&snap.State, &snap.Hash, &createdAt); err != nil {
		return nil, err
	}
	snap.AggregateID = domain.AggregateID(aggregateID)
	snap.CreatedAt = fromMicros(createdAt)
	if !snap.Verify() {
		return nil, domain.ErrSnapshotIntegrity
	}
	return &snap, nil
}
