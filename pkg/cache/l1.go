package cache

import (
	"context"
	"sync"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// EvictionStrategy selects the victim when the in-process tier is full.
type EvictionStrategy string

const (
	// EvictLRU removes the least recently accessed entry.
	EvictLRU EvictionStrategy = "lru"
	// EvictTTLFirst removes the entry closest to expiry.
	EvictTTLFirst EvictionStrategy = "ttl"
	// EvictLargest removes the entry with the biggest payload.
	EvictLargest EvictionStrategy = "size"
	// EvictRandom removes an arbitrary entry.
	EvictRandom EvictionStrategy = "random"
)

const (
	defaultL1MaxEntries = 10_000
	defaultL1MaxBytes   = 64 << 20
)

type l1Entry struct {
	value        []byte
	tags         []string
	createdAt    time.Time
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	size         int64
}

// L1 is the in-process tier. Every entry carries its tags so tag
// invalidation is immediate, without a round trip to slower tiers.
type L1 struct {
	mu         sync.Mutex
	entries    map[string]*l1Entry
	maxEntries int
	maxBytes   int64
	curBytes   int64
	strategy   EvictionStrategy
}

// L1Option configures the in-process tier.
type L1Option func(*L1)

// WithL1MaxEntries bounds the entry count. Defaults to 10000.
func WithL1MaxEntries(n int) L1Option {
	return func(l *L1) { l.maxEntries = n }
}

// WithL1MaxBytes bounds the approximate memory footprint. Defaults to 64MiB.
func WithL1MaxBytes(n int64) L1Option {
	return func(l *L1) { l.maxBytes = n }
}

// WithEvictionStrategy selects the eviction policy. Defaults to EvictLRU.
func WithEvictionStrategy(s EvictionStrategy) L1Option {
	return func(l *L1) { l.strategy = s }
}

// NewL1 creates an in-process cache tier.
func NewL1(opts ...L1Option) *L1 {
	l := &L1{
		entries:    make(map[string]*l1Entry),
		maxEntries: defaultL1MaxEntries,
		maxBytes:   defaultL1MaxBytes,
		strategy:   EvictLRU,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *L1) Get(_ context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := domain.Now()
	if now.After(entry.expiresAt) {
		l.remove(key, entry)
		return nil, false, nil
	}
	entry.lastAccessed = now
	entry.accessCount++
	return entry.value, true, nil
}

func (l *L1) Set(_ context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	now := domain.Now()
	entry := &l1Entry{
		value:        value,
		tags:         tags,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		size:         entrySize(key, value, tags),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.entries[key]; ok {
		l.curBytes -= old.size
	}
	l.entries[key] = entry
	l.curBytes += entry.size
	for (len(l.entries) > l.maxEntries || l.curBytes > l.maxBytes) && len(l.entries) > 1 {
		l.evictOne()
	}
	return nil
}

func (l *L1) Delete(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		if entry, ok := l.entries[key]; ok {
			l.remove(key, entry)
		}
	}
	return nil
}

func (l *L1) DeleteByTags(_ context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[tag] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.entries {
		for _, tag := range entry.tags {
			if _, ok := wanted[tag]; ok {
				l.remove(key, entry)
				break
			}
		}
	}
	return nil
}

func (l *L1) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*l1Entry)
	l.curBytes = 0
	return nil
}

func (l *L1) Close() error { return nil }

// Len returns the current entry count.
func (l *L1) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Bytes returns the approximate memory footprint.
func (l *L1) Bytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curBytes
}

// PurgeExpired drops entries past their TTL and returns how many were removed.
func (l *L1) PurgeExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, entry := range l.entries {
		if now.After(entry.expiresAt) {
			l.remove(key, entry)
			removed++
		}
	}
	return removed
}

// remove deletes an entry; callers hold the lock.
func (l *L1) remove(key string, entry *l1Entry) {
	delete(l.entries, key)
	l.curBytes -= entry.size
}

// evictOne removes one entry per the configured strategy; callers hold the
// lock and guarantee the map is non-empty.
func (l *L1) evictOne() {
	var victimKey string
	var victim *l1Entry
	for key, entry := range l.entries {
		if victim == nil {
			victimKey, victim = key, entry
			if l.strategy == EvictRandom {
				break
			}
			continue
		}
		switch l.strategy {
		case EvictTTLFirst:
			if entry.expiresAt.Before(victim.expiresAt) {
				victimKey, victim = key, entry
			}
		case EvictLargest:
			if entry.size > victim.size {
				victimKey, victim = key, entry
			}
		default: // EvictLRU
			if entry.lastAccessed.Before(victim.lastAccessed) {
				victimKey, victim = key, entry
			}
		}
	}
	l.remove(victimKey, victim)
}

func entrySize(key string, value []byte, tags []string) int64 {
	size := int64(len(key) + len(value))
	for _, tag := range tags {
		size += int64(len(tag))
	}
	return size
}
