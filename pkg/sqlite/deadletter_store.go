package sqlite

import (
	"context"
	"database/sql"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// DeadLetter is a failed durable write parked for operator intervention.
type DeadLetter struct {
	ID          int64
	AggregateID domain.AggregateID
	Payload     []byte
	Reason      string
	Attempts    int
}

// DeadLetterStore parks events whose asynchronous write-back exhausted its
// retries. Entries are kept until an operator redrives or discards them.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore creates a SQLite-backed dead letter store.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Park stores a failed write.
func (s *DeadLetterStore) Park(ctx context.Context, aggregateID domain.AggregateID, payload []byte, reason string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (aggregate_id, payload, reason, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		aggregateID.String(), payload, reason, attempts, toMicros(domain.Now()))
	return wrapStorageErr("park dead letter", err)
}

// List returns parked entries, oldest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, payload, reason, attempts
		 FROM dead_letters ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapStorageErr("list dead letters", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			letter      DeadLetter
			aggregateID string
		)
		if err := rows.Scan(&letter.ID, &aggregateID, &letter.Payload, &letter.Reason, &letter.Attempts); err != nil {
			return nil, wrapStorageErr("list dead letters: scan", err)
		}
		letter.AggregateID = domain.AggregateID(aggregateID)
		letters = append(letters, &letter)
	}
	return letters, rows.Err()
}

// Discard removes a parked entry.
func (s *DeadLetterStore) Discard(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return wrapStorageErr("discard dead letter", err)
}
