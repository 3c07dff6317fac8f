// Package querybus dispatches read-side queries. Several handlers may serve
// the same query type; the bus picks the one with the smallest estimated
// execution time and memoizes the choice. Results flow through the tiered
// query cache when the query opts in.
package querybus

import (
	"context"
	"time"
)

// Query is a read-side message.
type Query interface {
	// QueryType is the stable routing tag, e.g. "account.balance".
	QueryType() string
}

// Cacheable is implemented by queries whose results belong in the tiered
// cache. CacheKey must be unique per distinct result; CacheTags ties the
// entry to the aggregates it derives from so writes can invalidate it.
type Cacheable interface {
	CacheKey() string
	CacheTags() []string
}

// Handler serves one or more query types.
type Handler interface {
	// CanHandle reports whether this handler serves the query.
	CanHandle(q Query) bool

	// EstimatedExecutionTime ranks handlers serving the same type; the
	// bus prefers the smallest.
	EstimatedExecutionTime() time.Duration

	Handle(ctx context.Context, q Query) (any, error)
}

// BatchHandler is optionally implemented by handlers that can serve a group
// of queries in one round trip.
type BatchHandler interface {
	Handler

	// ShouldUseBatchOptimization lets the handler decline batching for
	// small or heterogeneous groups.
	ShouldUseBatchOptimization(queries []Query) bool

	// HandleBatch returns one result per query, in input order.
	HandleBatch(ctx context.Context, queries []Query) ([]any, error)
}
