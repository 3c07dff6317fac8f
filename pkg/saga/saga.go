// Package saga coordinates long-running, multi-aggregate workflows as
// persisted state machines. Sagas react to events, emit commands through
// the command bus, and compensate completed steps in reverse order when a
// step fails.
package saga

import (
	"context"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Outcome is what a saga reports after handling an event.
type Outcome int

const (
	// Continue keeps the saga live, awaiting further events.
	Continue Outcome = iota

	// Complete ends the saga successfully.
	Complete

	// Fail marks the saga failed and triggers compensation.
	Fail

	// Compensated confirms a compensation effect landed; once all have,
	// the saga ends in COMPENSATED.
	Compensated
)

// Effect is the result of handling one event: commands to dispatch and the
// saga's verdict on its own progress.
type Effect struct {
	Commands []commandbus.Command
	Outcome  Outcome
}

// Saga is the behavior contract of a concrete saga type. Instances are
// rehydrated from persisted state by their registered factory; no
// reflection is involved.
type Saga interface {
	// SagaType is the stable registry tag, e.g. "booking".
	SagaType() string

	// InitiatedBy reports whether this event starts a new instance.
	InitiatedBy(event *domain.Event) bool

	// HandlesEvent reports whether a live instance reacts to this event.
	HandlesEvent(event *domain.Event) bool

	// HandleEvent processes one event and reports the saga's verdict.
	// A returned error fails the saga and triggers compensation.
	HandleEvent(ctx context.Context, event *domain.Event) (Effect, error)

	// CompensationCommands returns the undo commands for effects applied
	// so far, already in reverse (LIFO) order.
	CompensationCommands() []commandbus.Command

	// Timeout is the instance's deadline budget. Zero means none.
	Timeout() time.Duration

	// MarshalState serializes instance state for persistence.
	MarshalState() ([]byte, error)

	// UnmarshalState rehydrates instance state.
	UnmarshalState(data []byte) error
}

// CompensationObserver is implemented by sagas whose compensation is
// confirmed by events. After its compensation commands dispatch, such a
// saga stays COMPENSATING until an event yields the Compensated outcome;
// without this interface, successful dispatch completes compensation.
type CompensationObserver interface {
	AwaitsCompensationEvents() bool
}

// Factory builds a fresh instance of one saga type.
type Factory func() Saga
