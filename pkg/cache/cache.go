// Package cache implements the tiered query cache: an in-process L1, an
// optional shared L2 (redis) and an optional durable L3 (sqlite). Reads
// promote values to faster tiers; tag invalidation hits L1 immediately and
// flows to L2/L3 through a rate-limited batcher.
package cache

import (
	"context"
	"time"
)

// Tier is one cache level. Implementations must be safe for concurrent use.
type Tier interface {
	// Get returns the value for key, false when absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with its invalidation tags and TTL.
	Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error

	// Delete removes values by key. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByTags removes every value carrying any of the tags.
	DeleteByTags(ctx context.Context, tags []string) error

	// Clear empties the tier.
	Clear(ctx context.Context) error

	Close() error
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	L1Hits        uint64
	L2Hits        uint64
	L3Hits        uint64
	Misses        uint64
	Sets          uint64
	Invalidations uint64
	L1Entries     int
	L1Bytes       int64
	PendingTags   int
}

// HitRate is the fraction of lookups served by any tier.
func (s Stats) HitRate() float64 {
	hits := s.L1Hits + s.L2Hits + s.L3Hits
	total := hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
