package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultL1TTL = 5 * time.Minute
	defaultL2TTL = 15 * time.Minute
)

// Manager is the read-through, write-through front over the tiers. L2 and
// L3 are optional; a Manager over just L1 is a plain in-process cache.
type Manager struct {
	l1 *L1
	l2 Tier
	l3 Tier

	l1TTL time.Duration
	l2TTL time.Duration
	l3TTL time.Duration

	batcher *tagBatcher
	logger  *slog.Logger

	l1Hits        atomic.Uint64
	l2Hits        atomic.Uint64
	l3Hits        atomic.Uint64
	misses        atomic.Uint64
	sets          atomic.Uint64
	invalidations atomic.Uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithL2 attaches a shared tier.
func WithL2(tier Tier) ManagerOption {
	return func(m *Manager) { m.l2 = tier }
}

// WithL3 attaches a durable tier.
func WithL3(tier Tier) ManagerOption {
	return func(m *Manager) { m.l3 = tier }
}

// WithTTLs sets the per-tier TTLs. Zero keeps the default for that tier;
// the L3 TTL defaults to twice the L2 TTL.
func WithTTLs(l1, l2, l3 time.Duration) ManagerOption {
	return func(m *Manager) {
		if l1 > 0 {
			m.l1TTL = l1
		}
		if l2 > 0 {
			m.l2TTL = l2
		}
		if l3 > 0 {
			m.l3TTL = l3
		}
	}
}

// WithManagerLogger sets the logger. Defaults to slog.Default().
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a cache manager over the given L1 tier.
func NewManager(l1 *L1, opts ...ManagerOption) *Manager {
	m := &Manager{
		l1:    l1,
		l1TTL: defaultL1TTL,
		l2TTL: defaultL2TTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.l3TTL == 0 {
		m.l3TTL = 2 * m.l2TTL
	}
	m.batcher = newTagBatcher(m.invalidateSlowTiers, m.logger)
	return m
}

// Get looks the key up tier by tier and promotes hits to the faster tiers.
// Tags are needed for promotion so re-cached values stay invalidatable.
func (m *Manager) Get(ctx context.Context, key string, tags []string) ([]byte, bool) {
	if value, ok, err := m.l1.Get(ctx, key); err == nil && ok {
		m.l1Hits.Add(1)
		return value, true
	}
	if m.l2 != nil {
		value, ok, err := m.l2.Get(ctx, key)
		if err != nil {
			m.logger.Warn("shared cache read failed", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			m.l2Hits.Add(1)
			m.promote(ctx, key, value, tags, m.l1, m.l1TTL)
			return value, true
		}
	}
	if m.l3 != nil {
		value, ok, err := m.l3.Get(ctx, key)
		if err != nil {
			m.logger.Warn("durable cache read failed", slog.String("key", key), slog.Any("error", err))
		} else if ok {
			m.l3Hits.Add(1)
			m.promote(ctx, key, value, tags, m.l1, m.l1TTL)
			if m.l2 != nil {
				m.promote(ctx, key, value, tags, m.l2, m.l2TTL)
			}
			return value, true
		}
	}
	m.misses.Add(1)
	return nil, false
}

// Set writes the value through every configured tier.
func (m *Manager) Set(ctx context.Context, key string, value []byte, tags []string) error {
	m.sets.Add(1)
	if err := m.l1.Set(ctx, key, value, tags, m.l1TTL); err != nil {
		return err
	}
	if m.l2 != nil {
		if err := m.l2.Set(ctx, key, value, tags, m.l2TTL); err != nil {
			m.logger.Warn("shared cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	if m.l3 != nil {
		if err := m.l3.Set(ctx, key, value, tags, m.l3TTL); err != nil {
			m.logger.Warn("durable cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

// InvalidateTags drops matching entries from L1 immediately and queues the
// tags for the slower tiers. Readers of this process never see stale data;
// other processes converge once the batcher flushes.
func (m *Manager) InvalidateTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	m.invalidations.Add(1)
	if err := m.l1.DeleteByTags(ctx, tags); err != nil {
		return err
	}
	if m.l2 != nil || m.l3 != nil {
		m.batcher.enqueue(tags)
	}
	return nil
}

// ForceInvalidateTags invalidates every tier synchronously. Used when the
// caller needs cross-process consistency before proceeding.
func (m *Manager) ForceInvalidateTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	m.invalidations.Add(1)
	if err := m.l1.DeleteByTags(ctx, tags); err != nil {
		return err
	}
	return m.invalidateSlowTiers(ctx, tags)
}

// Delete removes keys from every tier.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.l1.Delete(ctx, keys...); err != nil {
		return err
	}
	if m.l2 != nil {
		if err := m.l2.Delete(ctx, keys...); err != nil {
			return err
		}
	}
	if m.l3 != nil {
		if err := m.l3.Delete(ctx, keys...); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties every tier.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.l1.Clear(ctx); err != nil {
		return err
	}
	if m.l2 != nil {
		if err := m.l2.Clear(ctx); err != nil {
			return err
		}
	}
	if m.l3 != nil {
		if err := m.l3.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of cache activity.
func (m *Manager) Stats() Stats {
	return Stats{
		L1Hits:        m.l1Hits.Load(),
		L2Hits:        m.l2Hits.Load(),
		L3Hits:        m.l3Hits.Load(),
		Misses:        m.misses.Load(),
		Sets:          m.sets.Load(),
		Invalidations: m.invalidations.Load(),
		L1Entries:     m.l1.Len(),
		L1Bytes:       m.l1.Bytes(),
		PendingTags:   m.batcher.pendingCount(),
	}
}

// Close stops the invalidation batcher after a final drain and closes the
// attached tiers.
func (m *Manager) Close() error {
	m.batcher.close()
	var firstErr error
	for _, tier := range []Tier{m.l1, m.l2, m.l3} {
		if tier == nil {
			continue
		}
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) promote(ctx context.Context, key string, value []byte, tags []string, tier Tier, ttl time.Duration) {
	if err := tier.Set(ctx, key, value, tags, ttl); err != nil {
		m.logger.Warn("cache promotion failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (m *Manager) invalidateSlowTiers(ctx context.Context, tags []string) error {
	if m.l2 != nil {
		if err := m.l2.DeleteByTags(ctx, tags); err != nil {
			return err
		}
	}
	if m.l3 != nil {
		if err := m.l3.DeleteByTags(ctx, tags); err != nil {
			return err
		}
	}
	// A read between the immediate L1 invalidation and this flush can
	// promote the stale value back into L1, so L1 is swept once more after
	// the slow tiers are clean.
	return m.l1.DeleteByTags(ctx, tags)
}
