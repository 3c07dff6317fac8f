package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// AsyncStatusStore implements store.AsyncStatusStore using SQLite.
type AsyncStatusStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewAsyncStatusStore creates a SQLite-backed async status store.
// ttl bounds how long records are retained; 0 uses 24 hours.
func NewAsyncStatusStore(db *sql.DB, ttl time.Duration) *AsyncStatusStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AsyncStatusStore{db: db, ttl: ttl}
}

// Create records a new submission in PENDING state.
func (s *AsyncStatusStore) Create(ctx context.Context, record *store.AsyncCommandRecord) error {
	now := domain.Now()
	if record.Status == "" {
		record.Status = store.AsyncPending
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(s.ttl)
	}
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("create async record: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO async_commands (async_id, status, metadata, result, error, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.AsyncID, string(record.Status), string(metadataJSON), record.Result, record.Error,
		toMicros(record.CreatedAt), toMicros(record.UpdatedAt), toMicros(record.ExpiresAt))
	return wrapStorageErr("create async record", err)
}

// Get retrieves a record by async id. Returns nil if absent or expired.
func (s *AsyncStatusStore) Get(ctx context.Context, asyncID string) (*store.AsyncCommandRecord, error) {
	var (
		record       store.AsyncCommandRecord
		status       string
		metadataJSON sql.NullString
		errMsg       sql.NullString
		createdAt    int64
		updatedAt    int64
		expiresAt    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT async_id, status, metadata, result, error, created_at, updated_at, expires_at
		 FROM async_commands WHERE async_id = ? AND expires_at > ?`,
		asyncID, toMicros(domain.Now())).
		Scan(&record.AsyncID, &status, &metadataJSON, &record.Result, &errMsg,
			&createdAt, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr("get async record", err)
	}
	record.Status = store.AsyncStatus(status)
	record.Error = errMsg.String
	record.CreatedAt = fromMicros(createdAt)
	record.UpdatedAt = fromMicros(updatedAt)
	record.ExpiresAt = fromMicros(expiresAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode async metadata: %w", err)
		}
	}
	return &record, nil
}

// SetStatus transitions the status, storing result or error.
func (s *AsyncStatusStore) SetStatus(ctx context.Context, asyncID string, status store.AsyncStatus, result []byte, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE async_commands SET status = ?, result = ?, error = ?, updated_at = ?
		 WHERE async_id = ?`,
		string(status), result, errMsg, toMicros(domain.Now()), asyncID)
	if err != nil {
		return wrapStorageErr("set async status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorageErr("set async status: rows", err)
	}
	if n == 0 {
		return fmt.Errorf("set async status: async id %s not found", asyncID)
	}
	return nil
}

// Cancel marks the record CANCELLED only if it is still PENDING.
func (s *AsyncStatusStore) Cancel(ctx context.Context, asyncID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE async_commands SET status = ?, updated_at = ?
		 WHERE async_id = ? AND status = ?`,
		string(store.AsyncCancelled), toMicros(domain.Now()), asyncID, string(store.AsyncPending))
	if err != nil {
		return false, wrapStorageErr("cancel async command", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStorageErr("cancel async command: rows", err)
	}
	return n > 0, nil
}

// PurgeExpired deletes records past their TTL.
func (s *AsyncStatusStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM async_commands WHERE expires_at <= ?`, toMicros(now))
	if err != nil {
		return 0, wrapStorageErr("purge async records", err)
	}
	return res.RowsAffected()
}
