package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/queue"
)

func TestRouter_Offer(t *testing.T) {
	ctx := context.Background()

	t.Run("highest priority matching strategy claims the event", func(t *testing.T) {
		f := newFixture(t)
		realtimeProjector := newUserCountProjector("realtime-count")
		require.NoError(t, f.manager.Register(realtimeProjector))
		f.ingestUsers(t, 2)

		events, err := f.events.LoadEventsFromSequence(ctx, 0, 10)
		require.NoError(t, err)

		batched := &Batched{Manager: f.manager, MaxSize: 100}
		router := NewRouter(
			batched,
			&Realtime{Manager: f.manager, Patterns: []string{"user.*"}},
		)

		require.NoError(t, router.Offer(ctx, events))
		assert.Equal(t, 2, realtimeProjector.Count())
		assert.Zero(t, batched.Pending())
	})

	t.Run("pattern filters route by event type", func(t *testing.T) {
		f := newFixture(t)
		projector := newUserCountProjector("user-count")
		require.NoError(t, f.manager.Register(projector))
		f.ingestUsers(t, 1)

		events, err := f.events.LoadEventsFromSequence(ctx, 0, 10)
		require.NoError(t, err)

		batched := &Batched{Manager: f.manager, MaxSize: 100}
		router := NewRouter(
			&Realtime{Manager: f.manager, Patterns: []string{"order.*"}},
			batched,
		)

		require.NoError(t, router.Offer(ctx, events))
		// Realtime did not match; the batched catch-all buffered it.
		assert.Equal(t, 0, projector.Count())
		assert.Equal(t, 1, batched.Pending())
	})
}

func TestBatched(t *testing.T) {
	ctx := context.Background()

	t.Run("flushes when the bucket fills", func(t *testing.T) {
		f := newFixture(t)
		projector := newUserCountProjector("user-count")
		require.NoError(t, f.manager.Register(projector))
		f.ingestUsers(t, 3)

		events, err := f.events.LoadEventsFromSequence(ctx, 0, 10)
		require.NoError(t, err)

		batched := &Batched{Manager: f.manager, MaxSize: 3, MaxAge: time.Hour}
		require.NoError(t, batched.Dispatch(ctx, events[:2]))
		assert.Equal(t, 0, projector.Count())

		require.NoError(t, batched.Dispatch(ctx, events[2:]))
		assert.Equal(t, 3, projector.Count())
		assert.Zero(t, batched.Pending())
	})

	t.Run("sweep flushes aged buckets", func(t *testing.T) {
		f := newFixture(t)
		projector := newUserCountProjector("user-count")
		require.NoError(t, f.manager.Register(projector))
		f.ingestUsers(t, 1)

		events, err := f.events.LoadEventsFromSequence(ctx, 0, 10)
		require.NoError(t, err)

		batched := &Batched{Manager: f.manager, MaxSize: 100, MaxAge: 10 * time.Millisecond}
		require.NoError(t, batched.Dispatch(ctx, events))

		// Too young: nothing happens.
		require.NoError(t, batched.FlushExpired(ctx, domain.Now()))
		assert.Equal(t, 0, projector.Count())

		require.NoError(t, batched.FlushExpired(ctx, domain.Now().Add(time.Second)))
		assert.Equal(t, 1, projector.Count())
	})
}

func TestAsync_QueueDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projector := newUserCountProjector("user-count")
	require.NoError(t, f.manager.Register(projector))
	f.ingestUsers(t, 3)

	events, err := f.events.LoadEventsFromSequence(ctx, 0, 10)
	require.NoError(t, err)

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	sub, err := StartWorker(q, f.manager)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	async := &Async{Queue: q, Patterns: []string{"user.registered"}}
	require.NoError(t, async.Dispatch(ctx, events))

	assert.Eventually(t, func() bool { return projector.Count() == 3 },
		2*time.Second, 10*time.Millisecond)
}
