package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// QueryCacheStore is the durable (L3) query cache tier. Tag-to-key mappings
// are explicit rows so tag invalidation does not scan values.
type QueryCacheStore struct {
	db *sql.DB
}

// NewQueryCacheStore creates a SQLite-backed query cache tier.
func NewQueryCacheStore(db *sql.DB) *QueryCacheStore {
	return &QueryCacheStore{db: db}
}

// Get returns the cached value for key, if present and unexpired.
func (s *QueryCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM query_cache WHERE cache_key = ? AND expires_at > ?`,
		key, toMicros(domain.Now())).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStorageErr("query cache get", err)
	}
	return value, true, nil
}

// Set stores a value with its tags and TTL.
func (s *QueryCacheStore) Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	now := domain.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr("query cache set: begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO query_cache (cache_key, value, expires_at, created_at)
		 VALUES (?, ?, ?, ?)`,
		key, value, toMicros(now.Add(ttl)), toMicros(now))
	if err != nil {
		return wrapStorageErr("query cache set", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM query_cache_tags WHERE cache_key = ?`, key); err != nil {
		return wrapStorageErr("query cache set: clear tags", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO query_cache_tags (tag, cache_key) VALUES (?, ?)`, tag, key); err != nil {
			return wrapStorageErr("query cache set: tag", err)
		}
	}
	return wrapStorageErr("query cache set: commit", tx.Commit())
}

// Delete removes cached values by key.
func (s *QueryCacheStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr("query cache delete: begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_cache WHERE cache_key IN (`+placeholders(len(keys))+`)`, args...); err != nil {
		return wrapStorageErr("query cache delete", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_cache_tags WHERE cache_key IN (`+placeholders(len(keys))+`)`, args...); err != nil {
		return wrapStorageErr("query cache delete: tags", err)
	}
	return wrapStorageErr("query cache delete: commit", tx.Commit())
}

// DeleteByTags removes every cached value carrying any of the tags.
func (s *QueryCacheStore) DeleteByTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	args := make([]any, len(tags))
	for i, tag := range tags {
		args[i] = tag
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr("query cache invalidate: begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_cache WHERE cache_key IN (
		   SELECT cache_key FROM query_cache_tags WHERE tag IN (`+placeholders(len(tags))+`))`, args...); err != nil {
		return wrapStorageErr("query cache invalidate", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_cache_tags WHERE cache_key NOT IN (SELECT cache_key FROM query_cache)`); err != nil {
		return wrapStorageErr("query cache invalidate: tags", err)
	}
	return wrapStorageErr("query cache invalidate: commit", tx.Commit())
}

// Clear empties the tier.
func (s *QueryCacheStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr("query cache clear: begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM query_cache`); err != nil {
		return wrapStorageErr("query cache clear", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM query_cache_tags`); err != nil {
		return wrapStorageErr("query cache clear: tags", err)
	}
	return wrapStorageErr("query cache clear: commit", tx.Commit())
}

// PurgeExpired deletes entries past their TTL.
func (s *QueryCacheStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE expires_at <= ?`, toMicros(now))
	if err != nil {
		return 0, wrapStorageErr("query cache purge", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM query_cache_tags WHERE cache_key NOT IN (SELECT cache_key FROM query_cache)`); err != nil {
		return 0, wrapStorageErr("query cache purge: tags", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the caller owns the database handle.
func (s *QueryCacheStore) Close() error { return nil }
