package store

import (
	"context"
	"time"
)

// DistributedTxnState enumerates the two-phase commit protocol states.
type DistributedTxnState string

const (
	DistributedTxnPending    DistributedTxnState = "PENDING"
	DistributedTxnPreparing  DistributedTxnState = "PREPARING"
	DistributedTxnPrepared   DistributedTxnState = "PREPARED"
	DistributedTxnCommitting DistributedTxnState = "COMMITTING"
	DistributedTxnCommitted  DistributedTxnState = "COMMITTED"
	DistributedTxnRolledBack DistributedTxnState = "ROLLED_BACK"
	DistributedTxnFailed     DistributedTxnState = "FAILED"
)

// DistributedTxnRecord is the persisted state of one distributed transaction.
// Persisting it outside the process lets an operator resolve in-doubt
// transactions after a crash.
type DistributedTxnRecord struct {
	TxnID        string
	State        DistributedTxnState
	Participants []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// DistributedTxnStore persists two-phase commit state with a bounded TTL.
type DistributedTxnStore interface {
	// Save inserts a new transaction record.
	Save(ctx context.Context, record *DistributedTxnRecord) error

	// Get retrieves a record by id. Returns nil if absent or expired.
	Get(ctx context.Context, txnID string) (*DistributedTxnRecord, error)

	// SetState transitions the protocol state.
	SetState(ctx context.Context, txnID string, state DistributedTxnState) error

	// PurgeExpired deletes records past their TTL. Returns the count removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
