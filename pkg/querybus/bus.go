package querybus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/cache"
	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

const defaultSelectionTTL = 30 * time.Second

// Bus routes queries to the cheapest capable handler, consulting the tiered
// cache first for queries that opt in. Cached hits are returned as
// json.RawMessage; callers decode into their result type.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	selected map[string]selection

	cache        *cache.Manager
	selectionTTL time.Duration
	logger       *slog.Logger

	stats busStats
}

type selection struct {
	handler   Handler
	expiresAt time.Time
}

type busStats struct {
	mu          sync.Mutex
	total       uint64
	cacheHits   uint64
	misses      uint64
	totalMicros int64
	byHandler   map[string]*handlerStats
}

type handlerStats struct {
	count       uint64
	totalMicros int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithCache attaches the tiered query cache.
func WithCache(manager *cache.Manager) Option {
	return func(b *Bus) { b.cache = manager }
}

// WithSelectionTTL bounds how long a handler choice is memoized per query
// type. Defaults to 30s.
func WithSelectionTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.selectionTTL = ttl }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a query bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		selected:     make(map[string]selection),
		selectionTTL: defaultSelectionTTL,
	}
	b.stats.byHandler = make(map[string]*handlerStats)
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Register adds a handler to the pool.
func (b *Bus) Register(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	// New handlers compete immediately.
	b.selected = make(map[string]selection)
}

// Dispatch executes the query, serving it from cache when possible.
func (b *Bus) Dispatch(ctx context.Context, q Query) (any, error) {
	b.stats.mu.Lock()
	b.stats.total++
	b.stats.mu.Unlock()

	key, tags, cacheable := cacheCoords(q)
	if cacheable && b.cache != nil {
		if value, ok := b.cache.Get(ctx, key, tags); ok {
			b.stats.mu.Lock()
			b.stats.cacheHits++
			b.stats.mu.Unlock()
			return json.RawMessage(value), nil
		}
	}
	b.stats.mu.Lock()
	b.stats.misses++
	b.stats.mu.Unlock()

	handler, err := b.selectHandler(q)
	if err != nil {
		return nil, err
	}
	result, err := b.execute(ctx, handler, q)
	if err != nil {
		return nil, err
	}
	if cacheable && b.cache != nil {
		b.cacheResult(ctx, key, tags, result)
	}
	return result, nil
}

// ExecuteBatch runs the queries and returns results in input order. Queries
// are grouped by their selected handler; groups whose handler opts into
// batch execution run as one call, the rest run individually. Cache hits
// skip execution entirely.
func (b *Bus) ExecuteBatch(ctx context.Context, queries []Query) ([]any, error) {
	results := make([]any, len(queries))

	type pending struct {
		index int
		query Query
	}
	groups := make(map[Handler][]pending)
	for i, q := range queries {
		b.stats.mu.Lock()
		b.stats.total++
		b.stats.mu.Unlock()

		key, tags, cacheable := cacheCoords(q)
		if cacheable && b.cache != nil {
			if value, ok := b.cache.Get(ctx, key, tags); ok {
				b.stats.mu.Lock()
				b.stats.cacheHits++
				b.stats.mu.Unlock()
				results[i] = json.RawMessage(value)
				continue
			}
		}
		b.stats.mu.Lock()
		b.stats.misses++
		b.stats.mu.Unlock()

		handler, err := b.selectHandler(q)
		if err != nil {
			return nil, err
		}
		groups[handler] = append(groups[handler], pending{index: i, query: q})
	}

	for handler, group := range groups {
		queries := make([]Query, len(group))
		for i, p := range group {
			queries[i] = p.query
		}
		if batch, ok := handler.(BatchHandler); ok && batch.ShouldUseBatchOptimization(queries) {
			batchResults, err := b.executeBatchCall(ctx, batch, queries)
			if err != nil {
				return nil, err
			}
			if len(batchResults) != len(group) {
				return nil, fmt.Errorf("query bus: batch handler returned %d results for %d queries",
					len(batchResults), len(group))
			}
			for i, p := range group {
				results[p.index] = batchResults[i]
				b.cacheQueryResult(ctx, p.query, batchResults[i])
			}
			continue
		}
		for _, p := range group {
			result, err := b.execute(ctx, handler, p.query)
			if err != nil {
				return nil, err
			}
			results[p.index] = result
			b.cacheQueryResult(ctx, p.query, result)
		}
	}
	return results, nil
}

// InvalidateTags forwards a tag invalidation to the cache, if attached.
func (b *Bus) InvalidateTags(ctx context.Context, tags []string) error {
	if b.cache == nil {
		return nil
	}
	return b.cache.InvalidateTags(ctx, tags)
}

// selectHandler picks the cheapest capable handler for the query type,
// memoized for the selection TTL.
func (b *Bus) selectHandler(q Query) (Handler, error) {
	queryType := q.QueryType()
	now := domain.Now()

	b.mu.RLock()
	if sel, ok := b.selected[queryType]; ok && now.Before(sel.expiresAt) {
		b.mu.RUnlock()
		return sel.handler, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if sel, ok := b.selected[queryType]; ok && now.Before(sel.expiresAt) {
		return sel.handler, nil
	}
	var best Handler
	for _, handler := range b.handlers {
		if !handler.CanHandle(q) {
			continue
		}
		if best == nil || handler.EstimatedExecutionTime() < best.EstimatedExecutionTime() {
			best = handler
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: query %q", domain.ErrHandlerNotFound, queryType)
	}
	b.selected[queryType] = selection{handler: best, expiresAt: now.Add(b.selectionTTL)}
	return best, nil
}

func (b *Bus) execute(ctx context.Context, handler Handler, q Query) (any, error) {
	started := time.Now()
	result, err := handler.Handle(ctx, q)
	b.recordExecution(handlerName(handler), time.Since(started))
	return result, err
}

func (b *Bus) executeBatchCall(ctx context.Context, handler BatchHandler, queries []Query) ([]any, error) {
	started := time.Now()
	results, err := handler.HandleBatch(ctx, queries)
	b.recordExecution(handlerName(handler), time.Since(started))
	return results, err
}

func (b *Bus) recordExecution(name string, elapsed time.Duration) {
	b.stats.mu.Lock()
	defer b.stats.mu.Unlock()
	b.stats.totalMicros += elapsed.Microseconds()
	hs, ok := b.stats.byHandler[name]
	if !ok {
		hs = &handlerStats{}
		b.stats.byHandler[name] = hs
	}
	hs.count++
	hs.totalMicros += elapsed.Microseconds()
}

func (b *Bus) cacheQueryResult(ctx context.Context, q Query, result any) {
	if b.cache == nil {
		return
	}
	key, tags, cacheable := cacheCoords(q)
	if !cacheable {
		return
	}
	b.cacheResult(ctx, key, tags, result)
}

func (b *Bus) cacheResult(ctx context.Context, key string, tags []string, result any) {
	encoded, err := json.Marshal(result)
	if err != nil {
		b.logger.Warn("query result not cacheable", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := b.cache.Set(ctx, key, encoded, tags); err != nil {
		b.logger.Warn("query cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func cacheCoords(q Query) (key string, tags []string, ok bool) {
	c, isCacheable := q.(Cacheable)
	if !isCacheable || c.CacheKey() == "" {
		return "", nil, false
	}
	return c.CacheKey(), c.CacheTags(), true
}

func handlerName(handler Handler) string {
	type named interface{ Name() string }
	if n, ok := handler.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", handler)
}

// Stats is a snapshot of query bus activity. Per-tier cache hit counts come
// from the cache manager's own stats.
type Stats struct {
	Total        uint64
	CacheHits    uint64
	Misses       uint64
	AvgExecution time.Duration
	ByHandler    map[string]HandlerSnapshot
}

// HandlerSnapshot is one handler's execution summary.
type HandlerSnapshot struct {
	Executions   uint64
	AvgExecution time.Duration
}

// Stats returns a point-in-time snapshot.
func (b *Bus) Stats() Stats {
	b.stats.mu.Lock()
	defer b.stats.mu.Unlock()
	snapshot := Stats{
		Total:     b.stats.total,
		CacheHits: b.stats.cacheHits,
		Misses:    b.stats.misses,
		ByHandler: make(map[string]HandlerSnapshot, len(b.stats.byHandler)),
	}
	var executions uint64
	for name, hs := range b.stats.byHandler {
		executions += hs.count
		entry := HandlerSnapshot{Executions: hs.count}
		if hs.count > 0 {
			entry.AvgExecution = time.Duration(hs.totalMicros/int64(hs.count)) * time.Microsecond
		}
		snapshot.ByHandler[name] = entry
	}
	if executions > 0 {
		snapshot.AvgExecution = time.Duration(b.stats.totalMicros/int64(executions)) * time.Microsecond
	}
	return snapshot
}
