package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAggregateNotFound is returned when an aggregate doesn't exist.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when there's an optimistic concurrency conflict.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrInvalidVersion is returned when an invalid version is provided.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrHandlerNotFound is returned when no handler is registered for a
	// command or query type. This is a configuration error.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrValidationFailed is returned when a command fails validation.
	// Never retried.
	ErrValidationFailed = errors.New("validation failed")

	// ErrAuthorizationFailed is returned when a principal is not permitted
	// to execute a command or query. Never retried.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrSnapshotNotFound is returned when a snapshot cannot be found.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotIntegrity is returned when a snapshot's content hash does not
	// match its stored state. Callers fall back to full replay.
	ErrSnapshotIntegrity = errors.New("snapshot integrity check failed")

	// ErrTransientStorage marks storage failures that are safe to retry
	// (deadlocks, connection resets, lock timeouts).
	ErrTransientStorage = errors.New("transient storage error")

	// ErrCommandTimeout is returned when command dispatch exceeds its timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrCircuitBreakerOpen is exposed for middlewares that gate on an open
	// circuit. It is not centrally enforced.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// ConcurrencyError carries the details of an optimistic concurrency conflict.
type ConcurrencyError struct {
	AggregateID     AggregateID
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, found %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ValidationError carries field-level validation failures.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d invalid field(s)", len(e.Fields))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// AuthorizationError carries the denied permission or role.
type AuthorizationError struct {
	PrincipalID string
	MessageType string
	Missing     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("principal %q is not authorized for %q (missing %s)",
		e.PrincipalID, e.MessageType, e.Missing)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorizationFailed
}

// TransientError wraps a storage failure that is safe to retry.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error in %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransientStorage
}

// IsRetryable reports whether an error is eligible for retry.
// Validation, authorization and concurrency conflicts are never retryable;
// concurrency conflicts require a reload before a meaningful retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface{ Retryable() bool }
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, ErrTransientStorage)
}
