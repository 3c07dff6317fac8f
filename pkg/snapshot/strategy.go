// Package snapshot decides when aggregates are snapshotted and manages the
// snapshot lifecycle around the repository's save path.
package snapshot

import (
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// DefaultThreshold is the event-count threshold used when none is configured.
const DefaultThreshold = 10

// Strategy decides whether an aggregate should be snapshotted after a save.
type Strategy interface {
	// Name identifies the strategy.
	Name() string

	// Configuration returns the strategy's serializable settings.
	Configuration() map[string]any

	// ShouldSnapshot reports whether a snapshot is due. last is the most
	// recent stored snapshot, nil if none exists.
	ShouldSnapshot(aggregate domain.Aggregate, last *store.Snapshot) bool
}

// SimpleStrategy snapshots every N events: whenever the aggregate has
// advanced at least threshold versions past the last snapshot.
type SimpleStrategy struct {
	threshold int64
}

// NewSimpleStrategy creates an event-count strategy.
// A threshold below 1 uses DefaultThreshold.
func NewSimpleStrategy(threshold int64) *SimpleStrategy {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &SimpleStrategy{threshold: threshold}
}

func (s *SimpleStrategy) Name() string { return "simple" }

func (s *SimpleStrategy) Configuration() map[string]any {
	return map[string]any{"threshold": s.threshold}
}

func (s *SimpleStrategy) ShouldSnapshot(aggregate domain.Aggregate, last *store.Snapshot) bool {
	var lastVersion int64
	if last != nil {
		lastVersion = last.Version
	}
	return aggregate.Version()-lastVersion >= s.threshold
}

// AggregateMetrics feeds the adaptive strategy. Implementations report how
// often and how slowly an aggregate is loaded.
type AggregateMetrics interface {
	// LoadCount returns how many times the aggregate was loaded recently.
	LoadCount(aggregateID domain.AggregateID) int64

	// AvgLoadTime returns the average reconstitution time.
	AvgLoadTime(aggregateID domain.AggregateID) time.Duration
}

// AdaptiveStrategy weighs stream growth, access frequency and load latency
// into a score and snapshots when the score crosses 1. Without a metrics
// source it behaves exactly like SimpleStrategy.
type AdaptiveStrategy struct {
	threshold    int64
	metrics      AggregateMetrics
	hotLoadCount int64
	slowLoadTime time.Duration
}

// AdaptiveOption configures an AdaptiveStrategy.
type AdaptiveOption func(*AdaptiveStrategy)

// WithMetrics provides the metrics source.
func WithMetrics(metrics AggregateMetrics) AdaptiveOption {
	return func(s *AdaptiveStrategy) { s.metrics = metrics }
}

// WithHotLoadCount sets the load count at which frequency alone justifies a
// snapshot. Default 100.
func WithHotLoadCount(n int64) AdaptiveOption {
	return func(s *AdaptiveStrategy) { s.hotLoadCount = n }
}

// WithSlowLoadTime sets the average load time at which latency alone
// justifies a snapshot. Default 100ms.
func WithSlowLoadTime(d time.Duration) AdaptiveOption {
	return func(s *AdaptiveStrategy) { s.slowLoadTime = d }
}

// NewAdaptiveStrategy creates an adaptive strategy with the given base
// threshold.
func NewAdaptiveStrategy(threshold int64, opts ...AdaptiveOption) *AdaptiveStrategy {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	s := &AdaptiveStrategy{
		threshold:    threshold,
		hotLoadCount: 100,
		slowLoadTime: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AdaptiveStrategy) Name() string { return "adaptive" }

func (s *AdaptiveStrategy) Configuration() map[string]any {
	return map[string]any{
		"threshold":      s.threshold,
		"hot_load_count": s.hotLoadCount,
		"slow_load_time": s.slowLoadTime.String(),
	}
}

func (s *AdaptiveStrategy) ShouldSnapshot(aggregate domain.Aggregate, last *store.Snapshot) bool {
	var lastVersion int64
	if last != nil {
		lastVersion = last.Version
	}
	growth := float64(aggregate.Version()-lastVersion) / float64(s.threshold)

	if s.metrics == nil {
		return growth >= 1
	}

	frequency := float64(s.metrics.LoadCount(aggregate.ID())) / float64(s.hotLoadCount)
	latency := float64(s.metrics.AvgLoadTime(aggregate.ID())) / float64(s.slowLoadTime)

	// Growth dominates; hot or slow aggregates snapshot earlier.
	score := growth + 0.5*frequency + 0.5*latency
	return score >= 1
}
