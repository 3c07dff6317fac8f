package domain

import (
	"github.com/google/uuid"
)

// AggregateID is an opaque, comparable aggregate identifier.
// Equality is defined by its string form.
type AggregateID string

// NewAggregateID generates a new random aggregate identifier.
func NewAggregateID() AggregateID {
	return AggregateID(uuid.NewString())
}

// String returns the string form of the identifier.
func (id AggregateID) String() string { return string(id) }

// IsZero reports whether the identifier is empty.
func (id AggregateID) IsZero() bool { return id == "" }

// Aggregate defines the interface that all aggregates must implement.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() AggregateID

	// Type returns the type name of the aggregate.
	Type() string

	// Version returns the current version of the aggregate.
	Version() int64

	// ApplyEvent applies an event to the aggregate's state.
	// This is called when loading events from the event store.
	ApplyEvent(event *Event) error

	// UncommittedEvents returns events that have been applied but not yet persisted.
	UncommittedEvents() []*Event

	// ClearUncommittedEvents clears the uncommitted events after they've been persisted.
	ClearUncommittedEvents()

	// Replay advances the aggregate version from historical events.
	// State changes go through ApplyEvent; Replay only tracks the version.
	Replay(events []*Event)
}

// Snapshotable is implemented by aggregates that can be snapshotted.
type Snapshotable interface {
	// MarshalSnapshot serializes the aggregate state to bytes.
	MarshalSnapshot() ([]byte, error)

	// UnmarshalSnapshot deserializes the aggregate state from bytes.
	UnmarshalSnapshot(data []byte) error
}

// AggregateRoot provides base functionality for all aggregates.
// Use this as an embedded type in your aggregate implementations.
type AggregateRoot struct {
	id                AggregateID
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
}

// NewAggregateRoot creates a new aggregate root with the given ID and type.
func NewAggregateRoot(id AggregateID, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:                id,
		aggregateType:     aggregateType,
		uncommittedEvents: make([]*Event, 0),
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() AggregateID { return a.id }

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string { return a.aggregateType }

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 { return a.version }

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event { return a.uncommittedEvents }

// ClearUncommittedEvents clears the uncommitted events list.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = make([]*Event, 0)
}

// Record appends a new event to the uncommitted buffer and increments the
// aggregate version. This is called when the aggregate produces a new event.
func (a *AggregateRoot) Record(eventType string, payload []byte, metadata EventMetadata) *Event {
	evt := &Event{
		ID:            NewEventID(),
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     eventType,
		EventVersion:  1,
		Version:       a.version + 1,
		OccurredAt:    Now(),
		Payload:       payload,
		Metadata:      metadata,
	}
	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	a.version++
	return evt
}

// Replay advances the aggregate version from historical events.
// Events at or below the current version are skipped.
func (a *AggregateRoot) Replay(events []*Event) {
	for _, evt := range events {
		if evt.Version <= a.version {
			continue
		}
		a.version = evt.Version
	}
}

// SeedFromSnapshot restores the aggregate version from a snapshot.
// The concrete aggregate restores its own state via Snapshotable.
func (a *AggregateRoot) SeedFromSnapshot(version int64) {
	a.version = version
}
