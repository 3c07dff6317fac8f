package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/sqlite"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// userCountProjector counts user.registered events. failAtSeq simulates a
// crash while processing that sequence number.
type userCountProjector struct {
	TypeMatcher
	name string

	mu        sync.Mutex
	count     int
	failAtSeq int64
}

func newUserCountProjector(name string) *userCountProjector {
	return &userCountProjector{
		TypeMatcher: TypeMatcher{Types: []string{"user.registered"}},
		name:        name,
	}
}

func (p *userCountProjector) Name() string { return p.name }

func (p *userCountProjector) Handle(_ context.Context, event *domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAtSeq > 0 && event.SequenceNumber == p.failAtSeq {
		return errors.New("projector crashed")
	}
	p.count++
	return nil
}

func (p *userCountProjector) Reset(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count = 0
	return nil
}

func (p *userCountProjector) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *userCountProjector) setFailAtSeq(seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAtSeq = seq
}

type projectionFixture struct {
	events      *sqlite.EventStore
	checkpoints *sqlite.CheckpointStore
	manager     *Manager
	users       int
}

func newFixture(t *testing.T, opts ...ManagerOption) *projectionFixture {
	t.Helper()
	events, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })
	checkpoints := sqlite.NewCheckpointStore(events.DB())
	return &projectionFixture{
		events:      events,
		checkpoints: checkpoints,
		manager:     NewManager(events, checkpoints, opts...),
	}
}

func (f *projectionFixture) ingestUsers(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.users++
		aggregateID := domain.AggregateID(fmt.Sprintf("user-%d", f.users))
		err := f.events.Append(context.Background(), aggregateID, []*domain.Event{{
			ID:            uuid.NewString(),
			AggregateID:   aggregateID,
			AggregateType: "User",
			EventType:     "user.registered",
			EventVersion:  1,
			Version:       1,
			OccurredAt:    domain.Now(),
			Payload:       []byte(`{}`),
		}}, 0)
		require.NoError(t, err)
	}
}

func TestManager_ProcessNew(t *testing.T) {
	ctx := context.Background()

	t.Run("advances the checkpoint per event", func(t *testing.T) {
		f := newFixture(t)
		projector := newUserCountProjector("user-count")
		require.NoError(t, f.manager.Register(projector))
		f.ingestUsers(t, 5)

		require.NoError(t, f.manager.ProcessNew(ctx))
		assert.Equal(t, 5, projector.Count())

		checkpoint, err := f.checkpoints.Load(ctx, "user-count")
		require.NoError(t, err)
		assert.Equal(t, int64(5), checkpoint.Position)
	})

	t.Run("uses batches smaller than the log", func(t *testing.T) {
		f := newFixture(t, WithBatchSize(2))
		projector := newUserCountProjector("user-count")
		require.NoError(t, f.manager.Register(projector))
		f.ingestUsers(t, 7)

		require.NoError(t, f.manager.ProcessNew(ctx))
		assert.Equal(t, 7, projector.Count())
	})

	t.Run("a failing projector does not stall the others", func(t *testing.T) {
		f := newFixture(t)
		broken := newUserCountProjector("broken")
		broken.setFailAtSeq(1)
		healthy := newUserCountProjector("healthy")
		require.NoError(t, f.manager.Register(broken))
		require.NoError(t, f.manager.Register(healthy))
		f.ingestUsers(t, 3)

		err := f.manager.ProcessNew(ctx)
		require.Error(t, err)
		assert.Equal(t, 3, healthy.Count())

		checkpoint, err := f.checkpoints.Load(ctx, "broken")
		require.NoError(t, err)
		assert.Equal(t, int64(0), checkpoint.Position)
	})

	t.Run("disabled projectors are skipped", func(t *testing.T) {
		f := newFixture(t)
		projector := newUserCountProjector("user-count")
		require.NoError(t, f.manager.Register(projector))
		require.NoError(t, f.manager.Disable("user-count"))
		f.ingestUsers(t, 3)

		require.NoError(t, f.manager.ProcessNew(ctx))
		assert.Equal(t, 0, projector.Count())

		require.NoError(t, f.manager.Enable("user-count"))
		require.NoError(t, f.manager.ProcessNew(ctx))
		assert.Equal(t, 3, projector.Count())
	})
}

func TestManager_CrashResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projector := newUserCountProjector("user-count")
	require.NoError(t, f.manager.Register(projector))
	f.ingestUsers(t, 7)

	// Crash while processing sequence 4: events 1-3 are settled.
	projector.setFailAtSeq(4)
	require.Error(t, f.manager.ProcessNew(ctx))
	assert.Equal(t, 3, projector.Count())

	checkpoint, err := f.checkpoints.Load(ctx, "user-count")
	require.NoError(t, err)
	assert.Equal(t, int64(3), checkpoint.Position)

	// Restart: resume from sequence 4 and finish the log.
	projector.setFailAtSeq(0)
	require.NoError(t, f.manager.ProcessNew(ctx))
	assert.Equal(t, 7, projector.Count())

	// Full replay reproduces the same terminal state.
	require.NoError(t, f.manager.Replay(ctx, "user-count", 0))
	assert.Equal(t, 7, projector.Count())
}

func TestManager_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("partial replay keeps existing state", func(t *testing.T) {
		f := newFixture(t)
		projector := newUserCountProjector("user-count")
		require.NoError(t, f.manager.Register(projector))
		f.ingestUsers(t, 6)

		require.NoError(t, f.manager.ProcessNew(ctx))
		require.Equal(t, 6, projector.Count())

		// Replaying from sequence 4 re-applies events 4..6 without reset.
		require.NoError(t, f.manager.Replay(ctx, "user-count", 4))
		assert.Equal(t, 9, projector.Count())
	})

	t.Run("unknown projector fails", func(t *testing.T) {
		f := newFixture(t)
		assert.Error(t, f.manager.Replay(ctx, "ghost", 0))
	})
}

func TestManager_ProcessEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projector := newUserCountProjector("user-count")
	require.NoError(t, f.manager.Register(projector))
	f.ingestUsers(t, 2)

	events, err := f.events.LoadEventsFromSequence(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NoError(t, f.manager.ProcessEvent(ctx, events[0]))
	require.NoError(t, f.manager.ProcessEvent(ctx, events[1]))
	assert.Equal(t, 2, projector.Count())

	// Re-delivery below the checkpoint is a no-op.
	require.NoError(t, f.manager.ProcessEvent(ctx, events[0]))
	assert.Equal(t, 2, projector.Count())

	// Events without a sequence number are rejected.
	assert.Error(t, f.manager.ProcessEvent(ctx, &domain.Event{ID: "x", EventType: "user.registered"}))
}

func TestManager_Health(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projector := newUserCountProjector("user-count")
	require.NoError(t, f.manager.Register(projector))
	f.ingestUsers(t, 4)

	health, err := f.manager.Health(ctx)
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, Healthy, health[0].State)
	assert.Equal(t, int64(4), health[0].Lag)

	require.NoError(t, f.manager.ProcessNew(ctx))
	health, err = f.manager.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), health[0].Lag)
	assert.Empty(t, health[0].LastError)

	// A recent error degrades an otherwise healthy projection.
	projector.setFailAtSeq(5)
	f.ingestUsers(t, 1)
	require.Error(t, f.manager.ProcessNew(ctx))

	health, err = f.manager.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Warning, health[0].State)
	assert.Contains(t, health[0].LastError, "crashed")
}

func TestManager_LockExclusion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projector := newUserCountProjector("user-count")
	require.NoError(t, f.manager.Register(projector))
	f.ingestUsers(t, 3)

	// Another worker holds the lock: this pass is a silent skip.
	acquired, err := f.checkpoints.AcquireLock(ctx, "user-count", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, f.manager.ProcessNew(ctx))
	assert.Equal(t, 0, projector.Count())

	require.NoError(t, f.checkpoints.ReleaseLock(ctx, "user-count"))
	require.NoError(t, f.manager.ProcessNew(ctx))
	assert.Equal(t, 3, projector.Count())
}

var _ store.SequencedStore = (*sqlite.EventStore)(nil)
