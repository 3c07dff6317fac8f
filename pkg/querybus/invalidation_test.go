package querybus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/cache"
	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/sqlite"
)

type userDoc struct {
	Name string `json:"name"`
}

type getUserQuery struct {
	ID domain.AggregateID
}

func (q getUserQuery) QueryType() string   { return "user.get" }
func (q getUserQuery) CacheKey() string    { return "user:" + string(q.ID) }
func (q getUserQuery) CacheTags() []string { return []string{"user:" + string(q.ID)} }

type updateUserCommand struct {
	ID   domain.AggregateID `json:"id"`
	Name string             `json:"name"`
}

func (c updateUserCommand) CommandType() string             { return "user.update" }
func (c updateUserCommand) AggregateID() domain.AggregateID { return c.ID }

// Write-side updates the read model and invalidates the query cache by
// tag; the read-side rebuilds on the next dispatch.
func TestCacheInvalidation_EndToEnd(t *testing.T) {
	ctx := context.Background()

	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	manager := cache.NewManager(cache.NewL1(),
		cache.WithL3(sqlite.NewQueryCacheStore(db)))
	t.Cleanup(func() { manager.Close() })

	var mu sync.Mutex
	users := map[string]string{"U-3": "original"}

	queries := New(WithCache(manager))
	handler := &stubHandler{
		name:     "user-reader",
		estimate: time.Millisecond,
		serves:   "user.get",
		result: func(q Query) any {
			mu.Lock()
			defer mu.Unlock()
			return userDoc{Name: users[string(q.(getUserQuery).ID)]}
		},
	}
	queries.Register(handler)

	commands := commandbus.New()
	require.NoError(t, commands.Register("user.update", commandbus.HandlerFunc(
		func(ctx context.Context, cmd commandbus.Command) (any, error) {
			update := cmd.(updateUserCommand)
			mu.Lock()
			users[string(update.ID)] = update.Name
			mu.Unlock()
			return nil, manager.InvalidateTags(ctx, []string{"user:" + string(update.ID)})
		})))

	// Cache hits come back as raw JSON, fresh executions as the handler's
	// value.
	decodeName := func(result any) string {
		switch v := result.(type) {
		case userDoc:
			return v.Name
		case json.RawMessage:
			var doc userDoc
			if json.Unmarshal(v, &doc) == nil {
				return doc.Name
			}
		}
		return ""
	}

	// Populate every tier, then confirm the cache serves the repeat.
	result, err := queries.Dispatch(ctx, getUserQuery{ID: "U-3"})
	require.NoError(t, err)
	assert.Equal(t, "original", decodeName(result))

	result, err = queries.Dispatch(ctx, getUserQuery{ID: "U-3"})
	require.NoError(t, err)
	assert.Equal(t, "original", decodeName(result))
	assert.Equal(t, int64(1), handler.calls.Load())

	_, err = commands.Dispatch(ctx, updateUserCommand{ID: "U-3", Name: "X"})
	require.NoError(t, err)

	// L1 invalidation is immediate; the batcher flushes the slow tiers.
	// Once every tier is clean a dispatch rebuilds the cache and the repeat
	// is served from it: same fresh value, no extra handler call.
	require.Eventually(t, func() bool {
		before := handler.calls.Load()
		result, err := queries.Dispatch(ctx, getUserQuery{ID: "U-3"})
		if err != nil || decodeName(result) != "X" {
			return false
		}
		return handler.calls.Load() == before
	}, 2*time.Second, 20*time.Millisecond)
}
