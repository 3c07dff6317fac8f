package store

import (
	"context"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// EventStore defines the interface for persisting and retrieving events.
//
// Implementations must enforce optimistic concurrency at the point of durable
// insertion: appending with an expectedVersion that does not match the stored
// version returns domain.ErrConcurrencyConflict and persists nothing.
type EventStore interface {
	// Append appends events to an aggregate's stream atomically, with
	// per-aggregate versions starting at expectedVersion+1.
	// An empty events slice is a no-op.
	Append(ctx context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64) error

	// Load returns events for one aggregate ordered by version ascending.
	// fromVersion is inclusive and 1-based; toVersion of 0 means no upper bound.
	Load(ctx context.Context, aggregateID domain.AggregateID, fromVersion, toVersion int64) (domain.EventStream, error)

	// LoadBatch is the single-round-trip equivalent of N Loads.
	// Absent aggregates map to empty streams. An empty id list returns an empty map.
	LoadBatch(ctx context.Context, ids []domain.AggregateID, fromVersion, toVersion int64) (map[domain.AggregateID]domain.EventStream, error)

	// AggregateExists reports whether any events exist for the aggregate.
	AggregateExists(ctx context.Context, aggregateID domain.AggregateID) (bool, error)

	// AggregateExistsBatch is the batch form of AggregateExists.
	AggregateExistsBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]bool, error)

	// AggregateVersion returns the current highest version (0 if none).
	AggregateVersion(ctx context.Context, aggregateID domain.AggregateID) (int64, error)

	// AggregateVersionsBatch is the batch form of AggregateVersion.
	AggregateVersionsBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]int64, error)

	// Close releases resources held by the store.
	Close() error
}

// SequencedStore is the projection-facing surface of the durable store.
// The global sequence number is the only cross-aggregate ordering guarantee
// and the exclusive basis for projection replay.
type SequencedStore interface {
	// LoadEventsByType returns events of one type ordered by sequence number.
	LoadEventsByType(ctx context.Context, eventType string, limit, offset int) ([]*domain.Event, error)

	// LoadEventsFromSequence returns up to limit events with sequence numbers
	// strictly greater than fromSequence, ordered by sequence ascending.
	LoadEventsFromSequence(ctx context.Context, fromSequence int64, limit int) ([]*domain.Event, error)

	// LatestSequence returns the highest sequence number in the store (0 if empty).
	LatestSequence(ctx context.Context) (int64, error)
}

// IdempotentStore adds command-level idempotency to an event store.
// If a command ID was already processed, the cached result is returned
// and nothing is appended.
type IdempotentStore interface {
	// AppendIdempotent appends events, remembering the command ID for ttl.
	AppendIdempotent(ctx context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64, commandID string, ttl time.Duration) (*CommandRecord, error)

	// CommandResult retrieves the result of a previously processed command.
	// Returns nil if the command hasn't been processed or the TTL expired.
	CommandResult(ctx context.Context, commandID string) (*CommandRecord, error)
}

// CommandRecord is the stored outcome of a processed command.
type CommandRecord struct {
	CommandID        string
	AggregateID      domain.AggregateID
	EventIDs         []string
	AlreadyProcessed bool
	ProcessedAt      time.Time
}

// EventStoreStats is the health snapshot the store exposes.
type EventStoreStats struct {
	TotalEvents     int64
	TotalAggregates int64
	LatestSequence  int64
	OldestEvent     time.Time
	NewestEvent     time.Time
}

// StatsProvider is implemented by stores that expose statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*EventStoreStats, error)
}
