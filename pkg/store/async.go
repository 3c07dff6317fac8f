package store

import (
	"context"
	"time"
)

// AsyncStatus enumerates the states of an asynchronously dispatched command.
type AsyncStatus string

const (
	AsyncPending    AsyncStatus = "PENDING"
	AsyncProcessing AsyncStatus = "PROCESSING"
	AsyncCompleted  AsyncStatus = "COMPLETED"
	AsyncFailed     AsyncStatus = "FAILED"
	AsyncCancelled  AsyncStatus = "CANCELLED"
)

// AsyncCommandRecord tracks the outcome of an async command submission.
type AsyncCommandRecord struct {
	AsyncID   string
	Status    AsyncStatus
	Metadata  map[string]string
	Result    []byte
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// AsyncStatusStore persists async command statuses with a bounded TTL.
type AsyncStatusStore interface {
	// Create records a new submission in PENDING state.
	Create(ctx context.Context, record *AsyncCommandRecord) error

	// Get retrieves a record by async id. Returns nil if absent or expired.
	Get(ctx context.Context, asyncID string) (*AsyncCommandRecord, error)

	// SetStatus transitions the status, storing result or error.
	SetStatus(ctx context.Context, asyncID string, status AsyncStatus, result []byte, errMsg string) error

	// Cancel marks the record CANCELLED only if it is still PENDING.
	// Returns false if the record was past PENDING.
	Cancel(ctx context.Context, asyncID string) (bool, error)

	// PurgeExpired deletes records past their TTL. Returns the count removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
