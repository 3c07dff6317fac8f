package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "qcache:"
	defaultRedisTagPrefix = "qtag:"
	// Tag index sets outlive the longest value TTL so invalidation can
	// still find keys that have not expired yet.
	tagSetTTLSlack = time.Hour
)

// RedisTier is the shared (L2) cache tier. Values live under prefixed keys;
// each tag keeps a set of the keys carrying it, so invalidation deletes the
// members of the matching tag sets.
type RedisTier struct {
	client    redis.UniversalClient
	keyPrefix string
	tagPrefix string
}

// RedisTierOption configures the shared tier.
type RedisTierOption func(*RedisTier)

// WithRedisKeyPrefix overrides the value key prefix.
func WithRedisKeyPrefix(prefix string) RedisTierOption {
	return func(t *RedisTier) { t.keyPrefix = prefix }
}

// NewRedisTier creates a redis-backed tier. The caller owns the client.
func NewRedisTier(client redis.UniversalClient, opts ...RedisTierOption) *RedisTier {
	t := &RedisTier{
		client:    client,
		keyPrefix: defaultRedisKeyPrefix,
		tagPrefix: defaultRedisTagPrefix,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := t.client.Get(ctx, t.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	return value, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	pipe := t.client.Pipeline()
	pipe.Set(ctx, t.keyPrefix+key, value, ttl)
	for _, tag := range tags {
		tagKey := t.tagPrefix + tag
		pipe.SAdd(ctx, tagKey, key)
		pipe.Expire(ctx, tagKey, ttl+tagSetTTLSlack)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = t.keyPrefix + key
	}
	if err := t.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis cache delete: %w", err)
	}
	return nil
}

func (t *RedisTier) DeleteByTags(ctx context.Context, tags []string) error {
	for _, tag := range tags {
		tagKey := t.tagPrefix + tag
		keys, err := t.client.SMembers(ctx, tagKey).Result()
		if err != nil {
			return fmt.Errorf("redis cache invalidate %q: %w", tag, err)
		}
		if len(keys) > 0 {
			if err := t.Delete(ctx, keys...); err != nil {
				return err
			}
		}
		if err := t.client.Del(ctx, tagKey).Err(); err != nil {
			return fmt.Errorf("redis cache invalidate %q: %w", tag, err)
		}
	}
	return nil
}

func (t *RedisTier) Clear(ctx context.Context) error {
	for _, pattern := range []string{t.keyPrefix + "*", t.tagPrefix + "*"} {
		iter := t.client.Scan(ctx, 0, pattern, 0).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis cache clear: %w", err)
		}
		if len(keys) > 0 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis cache clear: %w", err)
			}
		}
	}
	return nil
}

// Close is a no-op; the caller owns the client.
func (t *RedisTier) Close() error { return nil }
