package store

import (
	"context"
	"time"
)

// SagaState enumerates the lifecycle states of a saga.
type SagaState string

const (
	SagaPending      SagaState = "PENDING"
	SagaRunning      SagaState = "RUNNING"
	SagaCompleted    SagaState = "COMPLETED"
	SagaFailed       SagaState = "FAILED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaCompensated  SagaState = "COMPENSATED"
	SagaTimedOut     SagaState = "TIMED_OUT"
)

// IsTerminal reports whether no further transitions are allowed.
// A saga in a terminal state is never mutated by event handling.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaTimedOut:
		return true
	case SagaFailed:
		// FAILED may still enter COMPENSATING; it is terminal only once
		// compensation has also failed. The coordinator decides.
		return false
	}
	return false
}

// IsActive reports whether the saga still reacts to events.
func (s SagaState) IsActive() bool {
	return s == SagaPending || s == SagaRunning || s == SagaCompensating
}

// SagaRecord is the persisted form of a saga instance.
// State data is serialized by the concrete saga type; the coordinator
// treats it as opaque.
type SagaRecord struct {
	SagaID    string
	SagaType  string
	State     SagaState
	StateData []byte
	Metadata  map[string]string
	TimeoutAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SagaStore persists saga state machines.
//
// Saga mutation happens inside a per-saga storage transaction; concurrent
// event arrival for the same saga is serialized by the store.
type SagaStore interface {
	// Save inserts or replaces a saga record.
	Save(ctx context.Context, record *SagaRecord) error

	// Load retrieves a saga by id. Returns nil if absent.
	Load(ctx context.Context, sagaID string) (*SagaRecord, error)

	// LoadActive returns all sagas in PENDING, RUNNING or COMPENSATING state.
	LoadActive(ctx context.Context) ([]*SagaRecord, error)

	// LoadExpired returns non-terminal sagas whose timeout_at has passed.
	LoadExpired(ctx context.Context, now time.Time) ([]*SagaRecord, error)

	// UpdateState transitions the saga state, persisting the new state data.
	UpdateState(ctx context.Context, sagaID string, state SagaState, stateData []byte) error

	// Delete removes a saga record.
	Delete(ctx context.Context, sagaID string) error
}
