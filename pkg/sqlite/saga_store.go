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

// SagaStore implements store.SagaStore using SQLite.
// Saga mutations run in their own transaction so concurrent event arrival
// for the same saga is serialized by the store.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore creates a SQLite-backed saga store.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// Save inserts or replaces a saga record.
func (s *SagaStore) Save(ctx context.Context, record *store.SagaRecord) error {
	now := domain.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("save saga: encode metadata: %w", err)
	}
	var timeoutAt int64
	if !record.TimeoutAt.IsZero() {
		timeoutAt = toMicros(record.TimeoutAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sagas (saga_id, saga_type, state, state_data, metadata, timeout_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(saga_id) DO UPDATE SET
		   state = excluded.state,
		   state_data = excluded.state_data,
		   metadata = excluded.metadata,
		   timeout_at = excluded.timeout_at,
		   updated_at = excluded.updated_at`,
		record.SagaID, record.SagaType, string(record.State), record.StateData,
		string(metadataJSON), timeoutAt, toMicros(record.CreatedAt), toMicros(record.UpdatedAt))
	return wrapStorageErr("save saga", err)
}

// Load retrieves a saga by id. Returns nil if absent.
func (s *SagaStore) Load(ctx context.Context, sagaID string) (*store.SagaRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT saga_id, saga_type, state, state_data, metadata, timeout_at, created_at, updated_at
		 FROM sagas WHERE saga_id = ?`, sagaID)
	record, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr("load saga", err)
	}
	return record, nil
}

// LoadActive returns all sagas in PENDING, RUNNING or COMPENSATING state.
func (s *SagaStore) LoadActive(ctx context.Context) ([]*store.SagaRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT saga_id, saga_type, state, state_data, metadata, timeout_at, created_at, updated_at
		 FROM sagas WHERE state IN (?, ?, ?) ORDER BY created_at`,
		string(store.SagaPending), string(store.SagaRunning), string(store.SagaCompensating))
	if err != nil {
		return nil, wrapStorageErr("load active sagas", err)
	}
	defer rows.Close()
	return scanSagas(rows)
}

// LoadExpired returns non-terminal sagas whose timeout_at has passed.
func (s *SagaStore) LoadExpired(ctx context.Context, now time.Time) ([]*store.SagaRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT saga_id, saga_type, state, state_data, metadata, timeout_at, created_at, updated_at
		 FROM sagas
		 WHERE timeout_at > 0 AND timeout_at < ?
		   AND state NOT IN (?, ?, ?)`,
		toMicros(now),
		string(store.SagaCompleted), string(store.SagaCompensated), string(store.SagaTimedOut))
	if err != nil {
		return nil, wrapStorageErr("load expired sagas", err)
	}
	defer rows.Close()
	return scanSagas(rows)
}

// UpdateState transitions the saga state, persisting the new state data.
func (s *SagaStore) UpdateState(ctx context.Context, sagaID string, state store.SagaState, stateData []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sagas SET state = ?, state_data = ?, updated_at = ? WHERE saga_id = ?`,
		string(state), stateData, toMicros(domain.Now()), sagaID)
	if err != nil {
		return wrapStorageErr("update saga state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorageErr("update saga state: rows", err)
	}
	if n == 0 {
		return fmt.Errorf("update saga state: saga %s not found", sagaID)
	}
	return nil
}

// Delete removes a saga record.
func (s *SagaStore) Delete(ctx context.Context, sagaID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sagas WHERE saga_id = ?`, sagaID)
	return wrapStorageErr("delete saga", err)
}

func scanSaga(row rowScanner) (*store.SagaRecord, error) {
	var (
		record       store.SagaRecord
		state        string
		metadataJSON sql.NullString
		timeoutAt    int64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(&record.SagaID, &record.SagaType, &state, &record.StateData,
		&metadataJSON, &timeoutAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	record.State = store.SagaState(state)
	if timeoutAt > 0 {
		record.TimeoutAt = fromMicros(timeoutAt)
	}
	record.CreatedAt = fromMicros(createdAt)
	record.UpdatedAt = fromMicros(updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode saga metadata: %w", err)
		}
	}
	return &record, nil
}

func scanSagas(rows *sql.Rows) ([]*store.SagaRecord, error) {
	var records []*store.SagaRecord
	for rows.Next() {
		record, err := scanSaga(rows)
		if err != nil {
			return nil, wrapStorageErr("scan saga", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
