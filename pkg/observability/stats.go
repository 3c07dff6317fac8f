package observability

import (
	"context"
	"errors"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/cache"
	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/projection"
	"github.com/theaddresstech/modular-ddd/pkg/querybus"
	"github.com/theaddresstech/modular-ddd/pkg/store"
	"github.com/theaddresstech/modular-ddd/pkg/tiered"
)

// RuntimeStats is the aggregated in-process health snapshot. Sections the
// collector has no source for stay zero-valued.
type RuntimeStats struct {
	CollectedAt time.Time

	EventStore  store.EventStoreStats
	Snapshots   store.SnapshotStats
	Tiers       tiered.Stats
	Cache       cache.Stats
	Commands    commandbus.Stats
	Queries     querybus.Stats
	Projections []projection.Health
}

// Collector pulls statistics from whichever runtime components it was given.
type Collector struct {
	eventStore  store.StatsProvider
	snapshots   store.SnapshotStore
	tiers       *tiered.Store
	cache       *cache.Manager
	commands    *commandbus.Bus
	queries     *querybus.Bus
	projections *projection.Manager
}

// CollectorOption attaches one stats source.
type CollectorOption func(*Collector)

// WithEventStoreStats attaches the event store.
func WithEventStoreStats(provider store.StatsProvider) CollectorOption {
	return func(c *Collector) { c.eventStore = provider }
}

// WithSnapshotStats attaches the snapshot store.
func WithSnapshotStats(snapshots store.SnapshotStore) CollectorOption {
	return func(c *Collector) { c.snapshots = snapshots }
}

// WithTieredStats attaches the tiered store counters.
func WithTieredStats(tiers *tiered.Store) CollectorOption {
	return func(c *Collector) { c.tiers = tiers }
}

// WithCacheStats attaches the query cache manager.
func WithCacheStats(manager *cache.Manager) CollectorOption {
	return func(c *Collector) { c.cache = manager }
}

// WithCommandStats attaches the command bus.
func WithCommandStats(bus *commandbus.Bus) CollectorOption {
	return func(c *Collector) { c.commands = bus }
}

// WithQueryStats attaches the query bus.
func WithQueryStats(bus *querybus.Bus) CollectorOption {
	return func(c *Collector) { c.queries = bus }
}

// WithProjectionHealth attaches the projection manager.
func WithProjectionHealth(manager *projection.Manager) CollectorOption {
	return func(c *Collector) { c.projections = manager }
}

// NewCollector creates a stats collector over the given sources.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot gathers one RuntimeStats. Sources that fail leave their section
// zero-valued; the joined errors are returned alongside the partial snapshot.
func (c *Collector) Snapshot(ctx context.Context) (RuntimeStats, error) {
	stats := RuntimeStats{CollectedAt: time.Now()}
	var errs []error

	if c.eventStore != nil {
		if es, err := c.eventStore.Stats(ctx); err != nil {
			errs = append(errs, err)
		} else {
			stats.EventStore = *es
		}
	}
	if c.snapshots != nil {
		if ss, err := c.snapshots.Stats(ctx); err != nil {
			errs = append(errs, err)
		} else {
			stats.Snapshots = *ss
		}
	}
	if c.tiers != nil {
		stats.Tiers = c.tiers.Stats()
	}
	if c.cache != nil {
		stats.Cache = c.cache.Stats()
	}
	if c.commands != nil {
		stats.Commands = c.commands.Stats()
	}
	if c.queries != nil {
		stats.Queries = c.queries.Stats()
	}
	if c.projections != nil {
		if health, err := c.projections.Health(ctx); err != nil {
			errs = append(errs, err)
		} else {
			stats.Projections = health
		}
	}
	return stats, errors.Join(errs...)
}

// Publish records the snapshot's gauges on the metric instruments. Counters
// stay owned by the components; only point-in-time values are exported here.
func (c *Collector) Publish(ctx context.Context, metrics *Metrics, stats RuntimeStats) {
	for _, health := range stats.Projections {
		metrics.RecordProjectionLag(ctx, health.Name, health.Lag)
	}
}
