package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/hotstore"
	"github.com/theaddresstech/modular-ddd/pkg/sqlite"
)

func newWarm(t *testing.T) *sqlite.EventStore {
	t.Helper()
	warm, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	return warm
}

func makeEvents(aggregateID domain.AggregateID, fromVersion int64, count int) []*domain.Event {
	events := make([]*domain.Event, count)
	for i := range events {
		events[i] = &domain.Event{
			ID:          domain.NewEventID(),
			AggregateID: aggregateID,
			EventType:   "account.deposited",
			Version:     fromVersion + int64(i),
			OccurredAt:  domain.Now(),
			Payload:     []byte(`{"amount":1}`),
		}
	}
	return events
}

func TestStore_SyncMode(t *testing.T) {
	ctx := context.Background()
	hot := hotstore.NewMemoryStore()
	ts := NewStore(hot, newWarm(t))
	t.Cleanup(func() { ts.Close() })
	id := domain.NewAggregateID()

	t.Run("append lands in both tiers", func(t *testing.T) {
		require.NoError(t, ts.Append(ctx, id, makeEvents(id, 1, 2), 0))

		version, cached, err := hot.Version(ctx, id)
		require.NoError(t, err)
		require.True(t, cached)
		assert.Equal(t, int64(2), version)

		seq, err := ts.LatestSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), seq)
	})

	t.Run("load is served from hot", func(t *testing.T) {
		before := ts.Stats().HotHits
		stream, err := ts.Load(ctx, id, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, stream.Len())
		assert.Equal(t, before+1, ts.Stats().HotHits)
	})

	t.Run("ranged load slices the hot stream", func(t *testing.T) {
		stream, err := ts.Load(ctx, id, 2, 2)
		require.NoError(t, err)
		require.Equal(t, 1, stream.Len())
		assert.Equal(t, int64(2), stream.First().Version)
	})

	t.Run("warm miss promotes to hot", func(t *testing.T) {
		require.NoError(t, hot.Evict(ctx, id))

		stream, err := ts.Load(ctx, id, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, stream.Len())

		_, cached, err := hot.Version(ctx, id)
		require.NoError(t, err)
		assert.True(t, cached)
		assert.Equal(t, int64(1), ts.Stats().Promotions)
	})

	t.Run("conflict surfaces and evicts the hot entry", func(t *testing.T) {
		err := ts.Append(ctx, id, makeEvents(id, 1, 1), 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

		_, cached, err := hot.Version(ctx, id)
		require.NoError(t, err)
		assert.False(t, cached)
	})

	t.Run("empty append is a no-op", func(t *testing.T) {
		require.NoError(t, ts.Append(ctx, id, nil, 99))
	})

	t.Run("version prefers hot tier", func(t *testing.T) {
		version, err := ts.AggregateVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})
}

func TestStore_LoadBatch(t *testing.T) {
	ctx := context.Background()
	hot := hotstore.NewMemoryStore()
	ts := NewStore(hot, newWarm(t))
	t.Cleanup(func() { ts.Close() })

	a := domain.NewAggregateID()
	b := domain.NewAggregateID()
	require.NoError(t, ts.Append(ctx, a, makeEvents(a, 1, 2), 0))
	require.NoError(t, ts.Append(ctx, b, makeEvents(b, 1, 1), 0))
	require.NoError(t, hot.Evict(ctx, b))

	streams, err := ts.LoadBatch(ctx, []domain.AggregateID{a, b}, 0, 0)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, 2, streams[a].Len())
	assert.Equal(t, 1, streams[b].Len())

	// b was re-promoted by the batch load.
	_, cached, err := hot.Version(ctx, b)
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestStore_AsyncWriteBack(t *testing.T) {
	ctx := context.Background()
	hot := hotstore.NewMemoryStore()
	warm := newWarm(t)
	ts := NewStore(hot, warm, WithAsyncWriteBack(nil))
	id := domain.NewAggregateID()

	require.NoError(t, ts.Append(ctx, id, makeEvents(id, 1, 3), 0))

	// Hot reads see the write immediately.
	version, err := ts.AggregateVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	// Warm catches up within the write-back bound.
	require.Eventually(t, func() bool {
		v, err := warm.AggregateVersion(ctx, id)
		return err == nil && v == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ts.Close())
	assert.Equal(t, int64(1), ts.Stats().WriteBacks)
}

type failingWarm struct {
	WarmStore
}

func (f *failingWarm) Append(context.Context, domain.AggregateID, []*domain.Event, int64) error {
	return errors.New("disk gone")
}

type recordingSink struct {
	mu     sync.Mutex
	parked []domain.AggregateID
}

func (r *recordingSink) Park(_ context.Context, aggregateID domain.AggregateID, _ []byte, _ string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parked = append(r.parked, aggregateID)
	return nil
}

func TestStore_WriteBackDeadLetters(t *testing.T) {
	ctx := context.Background()
	hot := hotstore.NewMemoryStore()
	sink := &recordingSink{}
	ts := NewStore(hot, &failingWarm{WarmStore: newWarm(t)}, WithAsyncWriteBack(sink), WithWriteBackRetries(1))
	id := domain.NewAggregateID()

	require.NoError(t, ts.Append(ctx, id, makeEvents(id, 1, 1), 0))
	require.NoError(t, ts.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.parked, 1)
	assert.Equal(t, id, sink.parked[0])
	assert.Equal(t, int64(1), ts.Stats().DeadLetters)

	// The hot entry was evicted so reads fall back to the durable truth.
	_, cached, err := hot.Version(ctx, id)
	require.NoError(t, err)
	assert.False(t, cached)
}
