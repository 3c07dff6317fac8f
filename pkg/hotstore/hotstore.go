// Package hotstore provides the hot tier of the tiered event store: a
// TTL-bounded cache of recent event streams keyed by aggregate id.
//
// Hot entries always hold the complete stream from version 1. The hot tier is
// best-effort: it accelerates reads and gives read-your-writes within a
// request, but optimistic concurrency is enforced only at the durable tier.
package hotstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Store is the hot stream cache.
type Store interface {
	// Get returns the cached stream for an aggregate, if present.
	Get(ctx context.Context, aggregateID domain.AggregateID) (domain.EventStream, bool, error)

	// Put replaces the cached stream (forced promotion). The stream must be
	// complete from version 1.
	Put(ctx context.Context, aggregateID domain.AggregateID, stream domain.EventStream) error

	// Append extends a cached stream. Returns false without modifying the
	// cache when the aggregate is absent or its cached version does not match
	// expectedVersion; the caller should then evict the entry.
	Append(ctx context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64) (bool, error)

	// Version returns the cached stream's version, if the aggregate is cached.
	Version(ctx context.Context, aggregateID domain.AggregateID) (int64, bool, error)

	// Evict removes the cached stream for an aggregate.
	Evict(ctx context.Context, aggregateID domain.AggregateID) error

	// Close releases resources held by the store.
	Close() error
}

// hotEvent is the serialized form of an event in an external hot store.
// Unlike the wire envelope it carries version and sequence number, since the
// hot tier must reproduce the stream exactly.
type hotEvent struct {
	ID             string               `json:"event_id"`
	AggregateID    string               `json:"aggregate_id"`
	AggregateType  string               `json:"aggregate_type"`
	EventType      string               `json:"event_type"`
	EventVersion   int                  `json:"event_version"`
	Version        int64                `json:"version"`
	SequenceNumber int64                `json:"sequence_number"`
	OccurredAt     time.Time            `json:"occurred_at"`
	Payload        json.RawMessage      `json:"payload,omitempty"`
	Metadata       domain.EventMetadata `json:"metadata"`
}

func encodeStream(events []*domain.Event) ([]byte, error) {
	records := make([]hotEvent, len(events))
	for i, evt := range events {
		records[i] = hotEvent{
			ID:             evt.ID,
			AggregateID:    evt.AggregateID.String(),
			AggregateType:  evt.AggregateType,
			EventType:      evt.EventType,
			EventVersion:   evt.EventVersion,
			Version:        evt.Version,
			SequenceNumber: evt.SequenceNumber,
			OccurredAt:     evt.OccurredAt,
			Payload:        json.RawMessage(evt.Payload),
			Metadata:       evt.Metadata,
		}
	}
	return json.Marshal(records)
}

func decodeStream(data []byte) ([]*domain.Event, error) {
	var records []hotEvent
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	events := make([]*domain.Event, len(records))
	for i, rec := range records {
		events[i] = &domain.Event{
			ID:             rec.ID,
			AggregateID:    domain.AggregateID(rec.AggregateID),
			AggregateType:  rec.AggregateType,
			EventType:      rec.EventType,
			EventVersion:   rec.EventVersion,
			Version:        rec.Version,
			SequenceNumber: rec.SequenceNumber,
			OccurredAt:     rec.OccurredAt,
			Payload:        []byte(rec.Payload),
			Metadata:       rec.Metadata,
		}
	}
	return events, nil
}
