// Package config provides named deployment profiles. A profile is a preset
// of tuning knobs for the whole runtime; individual keys can be overridden
// programmatically or through the environment.
package config

import (
	"fmt"
	"time"
)

// Snapshot strategies a profile can select.
const (
	SnapshotSimple   = "simple"
	SnapshotAdaptive = "adaptive"
)

// Async command strategies a profile can select.
const (
	AsyncInline = "inline"
	AsyncQueue  = "queue"
)

// Projection strategies a profile can select.
const (
	ProjectionRealtime = "realtime"
	ProjectionAsync    = "async"
	ProjectionBatched  = "batched"
)

// Profile is one named preset of runtime defaults.
type Profile struct {
	Name string

	// Snapshotting
	SnapshotStrategy  string
	SnapshotThreshold int64
	SnapshotKeep      int

	// Hot store
	HotStoreTTL        time.Duration
	HotStoreMaxEntries int

	// Query cache
	L1MaxEntries int
	L1MaxBytes   int64
	L1TTL        time.Duration
	L2TTL        time.Duration
	L3TTL        time.Duration

	// Dispatch
	AsyncStrategy      string
	ProjectionStrategy string
	BatchMaxSize       int
	BatchMaxAge        time.Duration

	// Background maintenance
	SweepInterval time.Duration
}

// Startup targets small deployments: everything inline and in-process,
// frequent snapshots so replay stays trivially cheap.
func Startup() Profile {
	return Profile{
		Name:               "startup",
		SnapshotStrategy:   SnapshotSimple,
		SnapshotThreshold:  10,
		SnapshotKeep:       2,
		HotStoreTTL:        5 * time.Minute,
		HotStoreMaxEntries: 1_000,
		L1MaxEntries:       1_000,
		L1MaxBytes:         16 << 20,
		L1TTL:              time.Minute,
		L2TTL:              5 * time.Minute,
		L3TTL:              10 * time.Minute,
		AsyncStrategy:      AsyncInline,
		ProjectionStrategy: ProjectionRealtime,
		SweepInterval:      30 * time.Second,
	}
}

// Growth adds headroom: larger caches, adaptive snapshotting.
func Growth() Profile {
	p := Startup()
	p.Name = "growth"
	p.SnapshotStrategy = SnapshotAdaptive
	p.SnapshotThreshold = 50
	p.HotStoreTTL = 15 * time.Minute
	p.HotStoreMaxEntries = 10_000
	p.L1MaxEntries = 10_000
	p.L1MaxBytes = 64 << 20
	p.L1TTL = 5 * time.Minute
	p.L2TTL = 15 * time.Minute
	p.L3TTL = 30 * time.Minute
	return p
}

// Scale moves work off the request path: queued async commands, async
// projections.
func Scale() Profile {
	p := Growth()
	p.Name = "scale"
	p.SnapshotThreshold = 100
	p.SnapshotKeep = 3
	p.HotStoreMaxEntries = 50_000
	p.L1MaxEntries = 50_000
	p.L1MaxBytes = 256 << 20
	p.AsyncStrategy = AsyncQueue
	p.ProjectionStrategy = ProjectionAsync
	p.SweepInterval = 10 * time.Second
	return p
}

// Enterprise batches projection work and keeps deep snapshot history.
func Enterprise() Profile {
	p := Scale()
	p.Name = "enterprise"
	p.SnapshotKeep = 5
	p.HotStoreTTL = time.Hour
	p.L2TTL = time.Hour
	p.L3TTL = 4 * time.Hour
	p.ProjectionStrategy = ProjectionBatched
	p.BatchMaxSize = 200
	p.BatchMaxAge = 2 * time.Second
	p.SweepInterval = 5 * time.Second
	return p
}

// ByName resolves a profile by its name.
func ByName(name string) (Profile, error) {
	switch name {
	case "startup":
		return Startup(), nil
	case "growth":
		return Growth(), nil
	case "scale":
		return Scale(), nil
	case "enterprise":
		return Enterprise(), nil
	default:
		return Profile{}, fmt.Errorf("config: unknown profile %q", name)
	}
}
