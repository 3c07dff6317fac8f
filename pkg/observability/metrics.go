// Package observability provides the OpenTelemetry metric instruments for
// the runtime and an aggregated in-process statistics snapshot for health
// surfaces.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for every runtime component.
type Metrics struct {
	// Command pipeline
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event store
	EventsAppended    metric.Int64Counter
	EventStoreLatency metric.Float64Histogram

	// Aggregate loading
	AggregateLoads metric.Int64Counter
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter

	// Projections
	ProjectionLag    metric.Int64Gauge
	ProjectionErrors metric.Int64Counter

	// Query cache
	CacheLookups       metric.Int64Counter
	CacheInvalidations metric.Int64Counter

	// Sagas
	SagaTransitions metric.Int64Counter

	// Async commands and queue traffic
	AsyncCommands metric.Int64Counter
	QueueJobs     metric.Int64Counter
}

// NewMetrics creates all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"runtime.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"runtime.command.total",
		metric.WithDescription("Total commands dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"runtime.command.errors",
		metric.WithDescription("Total failed commands"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"runtime.events.appended",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"runtime.eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.AggregateLoads, err = meter.Int64Counter(
		"runtime.aggregate.loads",
		metric.WithDescription("Total aggregate loads"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"runtime.snapshot.hits",
		metric.WithDescription("Aggregate loads served from a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"runtime.snapshot.misses",
		metric.WithDescription("Aggregate loads replayed from scratch"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	m.ProjectionLag, err = meter.Int64Gauge(
		"runtime.projection.lag",
		metric.WithDescription("Events between a projection's checkpoint and the log head"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"runtime.projection.errors",
		metric.WithDescription("Projection processing errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.CacheLookups, err = meter.Int64Counter(
		"runtime.cache.lookups",
		metric.WithDescription("Query cache lookups by tier and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cache.lookups: %w", err)
	}

	m.CacheInvalidations, err = meter.Int64Counter(
		"runtime.cache.invalidations",
		metric.WithDescription("Query cache tag invalidations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cache.invalidations: %w", err)
	}

	m.SagaTransitions, err = meter.Int64Counter(
		"runtime.saga.transitions",
		metric.WithDescription("Saga state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating saga.transitions: %w", err)
	}

	m.AsyncCommands, err = meter.Int64Counter(
		"runtime.async.commands",
		metric.WithDescription("Async command submissions by final status"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating async.commands: %w", err)
	}

	m.QueueJobs, err = meter.Int64Counter(
		"runtime.queue.jobs",
		metric.WithDescription("Queue jobs by kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue.jobs: %w", err)
	}

	return m, nil
}

// RecordCommand records one command dispatch.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
	}
	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(append(attrs,
			attribute.String("error_type", fmt.Sprintf("%T", err)))...))
	}
}

// RecordAppend records one event store append.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType string, eventCount int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
	}
	m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(append(attrs,
		attribute.String("operation", "append"))...))
}

// RecordAggregateLoad records one aggregate load and whether a snapshot
// served it.
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, snapshotUsed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
	}
	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	if snapshotUsed {
		m.SnapshotHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.SnapshotMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordProjectionLag records how many events a projection is behind.
func (m *Metrics) RecordProjectionLag(ctx context.Context, name string, lag int64) {
	m.ProjectionLag.Record(ctx, lag, metric.WithAttributes(
		attribute.String("projection", name)))
}

// RecordProjectionError records one projection failure.
func (m *Metrics) RecordProjectionError(ctx context.Context, name string, err error) {
	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", name),
		attribute.String("error_type", fmt.Sprintf("%T", err))))
}

// RecordCacheLookup records one query cache probe. Tier is "l1", "l2", "l3"
// for hits and "none" for a full miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("hit", hit)))
}

// RecordCacheInvalidation records tag invalidations.
func (m *Metrics) RecordCacheInvalidation(ctx context.Context, tagCount int) {
	m.CacheInvalidations.Add(ctx, int64(tagCount))
}

// RecordSagaTransition records one saga state transition.
func (m *Metrics) RecordSagaTransition(ctx context.Context, sagaType, state string) {
	m.SagaTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("state", state)))
}

// RecordAsyncCommand records an async command reaching a terminal status.
func (m *Metrics) RecordAsyncCommand(ctx context.Context, commandType, status string) {
	m.AsyncCommands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command_type", commandType),
		attribute.String("status", status)))
}

// RecordQueueJob records one queue delivery outcome.
func (m *Metrics) RecordQueueJob(ctx context.Context, kind, outcome string) {
	m.QueueJobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome)))
}
