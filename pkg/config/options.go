package config

import (
	"github.com/theaddresstech/modular-ddd/pkg/cache"
	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/hotstore"
	"github.com/theaddresstech/modular-ddd/pkg/projection"
	"github.com/theaddresstech/modular-ddd/pkg/queue"
	"github.com/theaddresstech/modular-ddd/pkg/snapshot"
)

// SnapshotOptions maps the profile onto snapshot manager options.
func (p Profile) SnapshotOptions() []snapshot.ManagerOption {
	var strategy snapshot.Strategy
	switch p.SnapshotStrategy {
	case SnapshotAdaptive:
		strategy = snapshot.NewAdaptiveStrategy(p.SnapshotThreshold)
	default:
		strategy = snapshot.NewSimpleStrategy(p.SnapshotThreshold)
	}
	return []snapshot.ManagerOption{
		snapshot.WithStrategy(strategy),
		snapshot.WithKeep(p.SnapshotKeep),
	}
}

// HotStoreOptions maps the profile onto in-memory hot store options.
func (p Profile) HotStoreOptions() []hotstore.MemoryOption {
	return []hotstore.MemoryOption{
		hotstore.WithMaxEntries(p.HotStoreMaxEntries),
		hotstore.WithTTL(p.HotStoreTTL),
	}
}

// L1Options maps the profile onto query cache L1 options.
func (p Profile) L1Options() []cache.L1Option {
	return []cache.L1Option{
		cache.WithL1MaxEntries(p.L1MaxEntries),
		cache.WithL1MaxBytes(p.L1MaxBytes),
	}
}

// CacheOptions maps the profile onto cache manager options. Tier wiring
// (L2/L3 backends) stays with the caller.
func (p Profile) CacheOptions() []cache.ManagerOption {
	return []cache.ManagerOption{
		cache.WithTTLs(p.L1TTL, p.L2TTL, p.L3TTL),
	}
}

// AsyncStrategyFor maps the profile onto an async command strategy. The
// queue is only consulted for the queued strategy.
func (p Profile) AsyncStrategyFor(q queue.Queue) commandbus.AsyncStrategy {
	if p.AsyncStrategy == AsyncQueue && q != nil {
		return commandbus.QueueStrategy{Queue: q}
	}
	return commandbus.InlineStrategy{}
}

// ProjectionStrategyFor maps the profile onto a projection dispatch
// strategy bound to the manager (and queue, for async dispatch).
func (p Profile) ProjectionStrategyFor(manager *projection.Manager, q queue.Queue) projection.Strategy {
	switch p.ProjectionStrategy {
	case ProjectionAsync:
		if q != nil {
			return &projection.Async{Queue: q}
		}
	case ProjectionBatched:
		return &projection.Batched{
			Manager: manager,
			MaxSize: p.BatchMaxSize,
			MaxAge:  p.BatchMaxAge,
		}
	}
	return &projection.Realtime{Manager: manager}
}
