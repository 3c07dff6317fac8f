package domain

import (
	"encoding/json"
	"time"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes; once recorded they
// are never mutated.
type Event struct {
	// ID is the unique identifier for this event
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID AggregateID

	// AggregateType is the type name of the aggregate (e.g., "Account", "Order")
	AggregateType string

	// EventType is the fully qualified type name of the event (e.g., "example.AccountCreated").
	// It must be stable across schema revisions.
	EventType string

	// EventVersion is the schema revision of the event payload.
	// Backward-incompatible payload changes bump this and require an upcaster.
	EventVersion int

	// Version is the version number of the aggregate after applying this event
	// (1-based position within its stream)
	Version int64

	// SequenceNumber is the global, monotonic ordinal assigned by the durable
	// store. Zero until the event has been durably persisted.
	SequenceNumber int64

	// OccurredAt is when the event was created (microsecond precision)
	OccurredAt time.Time

	// Payload is the serialized event payload. The runtime is payload-agnostic;
	// applications choose their own encoding (JSON by convention).
	Payload []byte

	// Metadata contains additional contextual information
	Metadata EventMetadata
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID is used to trace related events across aggregates
	CorrelationID string `json:"correlation_id,omitempty"`

	// PrincipalID is the identifier of the principal who triggered this event
	PrincipalID string `json:"principal_id,omitempty"`

	// Source identifies the component that emitted the event
	Source string `json:"source,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// eventJSON is the wire shape of a serialized event envelope.
type eventJSON struct {
	EventID      string          `json:"event_id"`
	AggregateID  string          `json:"aggregate_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Metadata     EventMetadata   `json:"metadata"`
}

// MarshalJSON serializes the event envelope. The aggregate version and
// sequence number are storage concerns and are not part of the wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		EventID:      e.ID,
		AggregateID:  e.AggregateID.String(),
		EventType:    e.EventType,
		EventVersion: e.EventVersion,
		OccurredAt:   e.OccurredAt,
		Payload:      json.RawMessage(e.Payload),
		Metadata:     e.Metadata,
	})
}

// UnmarshalJSON deserializes an event envelope.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.EventID
	e.AggregateID = AggregateID(w.AggregateID)
	e.EventType = w.EventType
	e.EventVersion = w.EventVersion
	e.OccurredAt = w.OccurredAt
	e.Payload = []byte(w.Payload)
	e.Metadata = w.Metadata
	return nil
}

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time truncated to microsecond precision,
// matching the resolution of the durable store.
func Now() time.Time {
	return TimeFunc().Truncate(time.Microsecond)
}
