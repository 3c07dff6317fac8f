package hotstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// RedisStore is a shared hot tier backed by Redis, for deployments where
// several runtime instances should see each other's hot streams. Each
// aggregate's stream is one JSON value under a prefixed key with a TTL.
//
// Append is read-modify-write without cross-instance locking; a lost update
// only degrades the cache, the durable tier remains authoritative.
type RedisStore struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisTTL sets the per-entry time to live.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithKeyPrefix sets the key namespace. Default "hotstream:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore creates a Redis-backed hot store.
// The caller owns the client lifecycle.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		ttl:       defaultTTL,
		keyPrefix: "hotstream:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(aggregateID domain.AggregateID) string {
	return s.keyPrefix + aggregateID.String()
}

// Get returns the cached stream for an aggregate, if present.
func (s *RedisStore) Get(ctx context.Context, aggregateID domain.AggregateID) (domain.EventStream, bool, error) {
	data, err := s.client.Get(ctx, s.key(aggregateID)).Bytes()
	if err == redis.Nil {
		return domain.EmptyStream(), false, nil
	}
	if err != nil {
		return domain.EmptyStream(), false, fmt.Errorf("hot get: %w", err)
	}
	events, err := decodeStream(data)
	if err != nil {
		// A corrupt entry is dropped rather than served.
		_ = s.client.Del(ctx, s.key(aggregateID)).Err()
		return domain.EmptyStream(), false, nil
	}
	return domain.NewEventStream(events), true, nil
}

// Put replaces the cached stream.
func (s *RedisStore) Put(ctx context.Context, aggregateID domain.AggregateID, stream domain.EventStream) error {
	data, err := encodeStream(stream.Events())
	if err != nil {
		return fmt.Errorf("hot put: encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(aggregateID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("hot put: %w", err)
	}
	return nil
}

// Append extends a cached stream when its version matches expectedVersion.
func (s *RedisStore) Append(ctx context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64) (bool, error) {
	if len(events) == 0 {
		return true, nil
	}
	stream, ok, err := s.Get(ctx, aggregateID)
	if err != nil {
		return false, err
	}
	if !ok {
		if expectedVersion != 0 {
			return false, nil
		}
		return true, s.Put(ctx, aggregateID, domain.NewEventStream(events))
	}
	if stream.Version() != expectedVersion {
		return false, nil
	}
	extended := append(stream.Events(), events...)
	return true, s.Put(ctx, aggregateID, domain.NewEventStream(extended))
}

// Version returns the cached stream's version.
func (s *RedisStore) Version(ctx context.Context, aggregateID domain.AggregateID) (int64, bool, error) {
	stream, ok, err := s.Get(ctx, aggregateID)
	if err != nil || !ok {
		return 0, false, err
	}
	return stream.Version(), true, nil
}

// Evict removes the cached stream.
func (s *RedisStore) Evict(ctx context.Context, aggregateID domain.AggregateID) error {
	if err := s.client.Del(ctx, s.key(aggregateID)).Err(); err != nil {
		return fmt.Errorf("hot evict: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the client.
func (s *RedisStore) Close() error { return nil }
