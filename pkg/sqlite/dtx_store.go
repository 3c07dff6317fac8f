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

// DistributedTxnStore implements store.DistributedTxnStore using SQLite.
type DistributedTxnStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewDistributedTxnStore creates a SQLite-backed distributed transaction
// state store. ttl bounds record retention; 0 uses one hour.
func NewDistributedTxnStore(db *sql.DB, ttl time.Duration) *DistributedTxnStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DistributedTxnStore{db: db, ttl: ttl}
}

// Save inserts a new transaction record.
func (s *DistributedTxnStore) Save(ctx context.Context, record *store.DistributedTxnRecord) error {
	now := domain.Now()
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(s.ttl)
	}
	participantsJSON, err := json.Marshal(record.Participants)
	if err != nil {
		return fmt.Errorf("save distributed txn: encode participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO distributed_transactions (txn_id, state, participants, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.TxnID, string(record.State), string(participantsJSON),
		toMicros(record.CreatedAt), toMicros(record.UpdatedAt), toMicros(record.ExpiresAt))
	return wrapStorageErr("save distributed txn", err)
}

// Get retrieves a record by id. Returns nil if absent or expired.
func (s *DistributedTxnStore) Get(ctx context.Context, txnID string) (*store.DistributedTxnRecord, error) {
	var (
		record           store.DistributedTxnRecord
		state            string
		participantsJSON string
		createdAt        int64
		updatedAt        int64
		expiresAt        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT txn_id, state, participants, created_at, updated_at, expires_at
		 FROM distributed_transactions WHERE txn_id = ? AND expires_at > ?`,
		txnID, toMicros(domain.Now())).
		Scan(&record.TxnID, &state, &participantsJSON, &createdAt, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr("get distributed txn", err)
	}
	record.State = store.DistributedTxnState(state)
	record.CreatedAt = fromMicros(createdAt)
	record.UpdatedAt = fromMicros(updatedAt)
	record.ExpiresAt = fromMicros(expiresAt)
	if err := json.Unmarshal([]byte(participantsJSON), &record.Participants); err != nil {
		return nil, fmt.Errorf("decode distributed txn participants: %w", err)
	}
	return &record, nil
}

// SetState transitions the protocol state.
func (s *DistributedTxnStore) SetState(ctx context.Context, txnID string, state store.DistributedTxnState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE distributed_transactions SET state = ?, updated_at = ? WHERE txn_id = ?`,
		string(state), toMicros(domain.Now()), txnID)
	if err != nil {
		return wrapStorageErr("set distributed txn state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorageErr("set distributed txn state: rows", err)
	}
	if n == 0 {
		return fmt.Errorf("set distributed txn state: txn %s not found", txnID)
	}
	return nil
}

// PurgeExpired deletes records past their TTL.
func (s *DistributedTxnStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM distributed_transactions WHERE expires_at <= ?`, toMicros(now))
	if err != nil {
		return 0, wrapStorageErr("purge distributed txns", err)
	}
	return res.RowsAffected()
}
