package hotstore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

const (
	defaultMaxEntries = 10_000
	defaultTTL        = 5 * time.Minute
)

// MemoryStore is the in-process hot tier: an expiring LRU of complete event
// streams. Entries expire after the configured TTL and the least recently
// used entry is evicted when the capacity bound is reached.
type MemoryStore struct {
	mu  sync.Mutex
	lru *expirable.LRU[domain.AggregateID, []*domain.Event]
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	maxEntries int
	ttl        time.Duration
}

// WithMaxEntries bounds the number of cached streams.
func WithMaxEntries(n int) MemoryOption {
	return func(c *memoryConfig) { c.maxEntries = n }
}

// WithTTL sets the per-entry time to live.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(c *memoryConfig) { c.ttl = ttl }
}

// NewMemoryStore creates an in-memory hot store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	cfg := memoryConfig{maxEntries: defaultMaxEntries, ttl: defaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &MemoryStore{
		lru: expirable.NewLRU[domain.AggregateID, []*domain.Event](cfg.maxEntries, nil, cfg.ttl),
	}
}

// Get returns the cached stream for an aggregate, if present.
func (s *MemoryStore) Get(_ context.Context, aggregateID domain.AggregateID) (domain.EventStream, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, ok := s.lru.Get(aggregateID)
	if !ok {
		return domain.EmptyStream(), false, nil
	}
	return domain.NewEventStream(events), true, nil
}

// Put replaces the cached stream.
func (s *MemoryStore) Put(_ context.Context, aggregateID domain.AggregateID, stream domain.EventStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(aggregateID, stream.Events())
	return nil
}

// Append extends a cached stream when its version matches expectedVersion.
func (s *MemoryStore) Append(_ context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64) (bool, error) {
	if len(events) == 0 {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok := s.lru.Get(aggregateID)
	if !ok {
		// A fresh aggregate can be seeded directly.
		if expectedVersion == 0 {
			s.lru.Add(aggregateID, append([]*domain.Event(nil), events...))
			return true, nil
		}
		return false, nil
	}
	if len(cached) == 0 || cached[len(cached)-1].Version != expectedVersion {
		return false, nil
	}
	extended := make([]*domain.Event, 0, len(cached)+len(events))
	extended = append(extended, cached...)
	extended = append(extended, events...)
	s.lru.Add(aggregateID, extended)
	return true, nil
}

// Version returns the cached stream's version.
func (s *MemoryStore) Version(_ context.Context, aggregateID domain.AggregateID) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, ok := s.lru.Get(aggregateID)
	if !ok || len(events) == 0 {
		return 0, false, nil
	}
	return events[len(events)-1].Version, true, nil
}

// Evict removes the cached stream.
func (s *MemoryStore) Evict(_ context.Context, aggregateID domain.AggregateID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(aggregateID)
	return nil
}

// Len returns the number of cached streams.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Close purges all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
	return nil
}
