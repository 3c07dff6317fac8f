package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/sqlite"
)

// fakeTier wraps an L1 to stand in for a remote tier, with an injectable
// failure for the invalidation path.
type fakeTier struct {
	*L1
	mu         sync.Mutex
	failDelete error
	deleted    [][]string
}

func (f *fakeTier) DeleteByTags(ctx context.Context, tags []string) error {
	f.mu.Lock()
	fail := f.failDelete
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, tags)
	f.mu.Unlock()
	return f.L1.DeleteByTags(ctx, tags)
}

func (f *fakeTier) setFailDelete(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDelete = err
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *fakeTier, Tier) {
	t.Helper()
	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l2 := &fakeTier{L1: NewL1()}
	l3 := sqlite.NewQueryCacheStore(db)
	m := NewManager(NewL1(), append([]ManagerOption{WithL2(l2), WithL3(l3)}, opts...)...)
	t.Cleanup(func() { m.Close() })
	return m, l2, l3
}

func TestManager_ReadThrough(t *testing.T) {
	ctx := context.Background()
	tags := []string{"aggregate:acc-1"}

	t.Run("set then get hits the fastest tier", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Set(ctx, "q1", []byte("result"), tags))

		value, ok := m.Get(ctx, "q1", tags)
		require.True(t, ok)
		assert.Equal(t, []byte("result"), value)
		assert.Equal(t, uint64(1), m.Stats().L1Hits)
	})

	t.Run("l2 hit promotes to l1", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Set(ctx, "q1", []byte("result"), tags))
		require.NoError(t, m.l1.Clear(ctx))

		_, ok := m.Get(ctx, "q1", tags)
		require.True(t, ok)
		assert.Equal(t, uint64(1), m.Stats().L2Hits)

		_, ok = m.Get(ctx, "q1", tags)
		require.True(t, ok)
		assert.Equal(t, uint64(1), m.Stats().L1Hits)
	})

	t.Run("l3 hit promotes to l1 and l2", func(t *testing.T) {
		m, l2, _ := newTestManager(t)
		require.NoError(t, m.Set(ctx, "q1", []byte("result"), tags))
		require.NoError(t, m.l1.Clear(ctx))
		require.NoError(t, l2.Clear(ctx))

		value, ok := m.Get(ctx, "q1", tags)
		require.True(t, ok)
		assert.Equal(t, []byte("result"), value)
		assert.Equal(t, uint64(1), m.Stats().L3Hits)

		_, ok, err := l2.Get(ctx, "q1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("miss everywhere", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, ok := m.Get(ctx, "nope", nil)
		assert.False(t, ok)
		assert.Equal(t, uint64(1), m.Stats().Misses)
	})
}

func TestManager_InvalidateTags(t *testing.T) {
	ctx := context.Background()
	tags := []string{"aggregate:acc-1"}

	t.Run("l1 is invalidated immediately", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Set(ctx, "q1", []byte("result"), tags))
		require.NoError(t, m.InvalidateTags(ctx, tags))

		_, ok, err := m.l1.Get(ctx, "q1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("slow tiers converge through the batcher", func(t *testing.T) {
		m, l2, l3 := newTestManager(t)
		require.NoError(t, m.Set(ctx, "q1", []byte("result"), tags))
		require.NoError(t, m.InvalidateTags(ctx, tags))

		assert.Eventually(t, func() bool {
			_, ok2, _ := l2.Get(ctx, "q1")
			_, ok3, _ := l3.Get(ctx, "q1")
			return !ok2 && !ok3
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("failed batches are re-queued", func(t *testing.T) {
		m, l2, _ := newTestManager(t)
		require.NoError(t, m.Set(ctx, "q1", []byte("result"), tags))

		l2.setFailDelete(errors.New("unreachable"))
		require.NoError(t, m.InvalidateTags(ctx, tags))

		assert.Eventually(t, func() bool { return m.Stats().PendingTags > 0 }, 2*time.Second, 10*time.Millisecond)

		l2.setFailDelete(nil)
		assert.Eventually(t, func() bool {
			_, ok, _ := l2.Get(ctx, "q1")
			return !ok
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("force invalidation is synchronous", func(t *testing.T) {
		m, l2, l3 := newTestManager(t)
		require.NoError(t, m.Set(ctx, "q1", []byte("result"), tags))
		require.NoError(t, m.ForceInvalidateTags(ctx, tags))

		_, ok2, _ := l2.Get(ctx, "q1")
		_, ok3, _ := l3.Get(ctx, "q1")
		assert.False(t, ok2)
		assert.False(t, ok3)
	})
}

func TestManager_StatsHitRate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.NoError(t, m.Set(ctx, "q1", []byte("result"), nil))
	m.Get(ctx, "q1", nil)
	m.Get(ctx, "nope", nil)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.L1Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.01)
}
