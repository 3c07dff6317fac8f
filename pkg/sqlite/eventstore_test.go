package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

func TestEventStore_AppendAndLoad(t *testing.T) {
	es := newTestStore(t)
	ctx := context.Background()
	id := domain.NewAggregateID()

	t.Run("append assigns sequence numbers", func(t *testing.T) {
		events := makeEvents(id, 1, "account.opened", "account.deposited")
		require.NoError(t, es.Append(ctx, id, events, 0))
		assert.Equal(t, int64(1), events[0].SequenceNumber)
		assert.Equal(t, int64(2), events[1].SequenceNumber)
	})

	t.Run("load returns events in version order", func(t *testing.T) {
		stream, err := es.Load(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Equal(t, 2, stream.Len())
		assert.Equal(t, "account.opened", stream.First().EventType)
		assert.Equal(t, int64(2), stream.Version())
	})

	t.Run("load honors version range", func(t *testing.T) {
		stream, err := es.Load(ctx, id, 2, 2)
		require.NoError(t, err)
		require.Equal(t, 1, stream.Len())
		assert.Equal(t, "account.deposited", stream.First().EventType)
	})

	t.Run("load of unknown aggregate is empty", func(t *testing.T) {
		stream, err := es.Load(ctx, domain.NewAggregateID(), 0, 0)
		require.NoError(t, err)
		assert.True(t, stream.IsEmpty())
	})

	t.Run("empty append is a no-op", func(t *testing.T) {
		require.NoError(t, es.Append(ctx, id, nil, 99))
	})
}

func TestEventStore_OptimisticConcurrency(t *testing.T) {
	es := newTestStore(t)
	ctx := context.Background()
	id := domain.NewAggregateID()

	require.NoError(t, es.Append(ctx, id, makeEvents(id, 1, "account.opened"), 0))

	t.Run("stale expected version conflicts", func(t *testing.T) {
		err := es.Append(ctx, id, makeEvents(id, 1, "account.deposited"), 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

		var conflict *domain.ConcurrencyError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(0), conflict.ExpectedVersion)
		assert.Equal(t, int64(1), conflict.ActualVersion)
	})

	t.Run("conflicting append persists nothing", func(t *testing.T) {
		stream, err := es.Load(ctx, id, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, stream.Len())
	})

	t.Run("matching expected version succeeds", func(t *testing.T) {
		require.NoError(t, es.Append(ctx, id, makeEvents(id, 2, "account.deposited"), 1))
		version, err := es.AggregateVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})

	t.Run("negative expected version is invalid", func(t *testing.T) {
		err := es.Append(ctx, id, makeEvents(id, 3, "account.closed"), -1)
		assert.ErrorIs(t, err, domain.ErrInvalidVersion)
	})

	t.Run("event version mismatch is rejected", func(t *testing.T) {
		bad := makeEvents(id, 99, "account.closed")
		err := es.Append(ctx, id, bad, 2)
		assert.ErrorIs(t, err, domain.ErrInvalidVersion)
	})
}

func TestEventStore_Batch(t *testing.T) {
	es := newTestStore(t)
	ctx := context.Background()
	a := domain.NewAggregateID()
	b := domain.NewAggregateID()
	missing := domain.NewAggregateID()

	require.NoError(t, es.Append(ctx, a, makeEvents(a, 1, "account.opened", "account.deposited"), 0))
	require.NoError(t, es.Append(ctx, b, makeEvents(b, 1, "account.opened"), 0))

	t.Run("load batch groups by aggregate", func(t *testing.T) {
		streams, err := es.LoadBatch(ctx, []domain.AggregateID{a, b, missing}, 0, 0)
		require.NoError(t, err)
		require.Len(t, streams, 3)
		assert.Equal(t, 2, streams[a].Len())
		assert.Equal(t, 1, streams[b].Len())
		assert.True(t, streams[missing].IsEmpty())
	})

	t.Run("exists batch", func(t *testing.T) {
		exists, err := es.AggregateExistsBatch(ctx, []domain.AggregateID{a, missing})
		require.NoError(t, err)
		assert.True(t, exists[a])
		assert.False(t, exists[missing])
	})

	t.Run("versions batch", func(t *testing.T) {
		versions, err := es.AggregateVersionsBatch(ctx, []domain.AggregateID{a, b, missing})
		require.NoError(t, err)
		assert.Equal(t, int64(2), versions[a])
		assert.Equal(t, int64(1), versions[b])
		assert.Equal(t, int64(0), versions[missing])
	})

	t.Run("empty id list", func(t *testing.T) {
		streams, err := es.LoadBatch(ctx, nil, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, streams)
	})
}

func TestEventStore_Sequencing(t *testing.T) {
	es := newTestStore(t)
	ctx := context.Background()
	a := domain.NewAggregateID()
	b := domain.NewAggregateID()

	require.NoError(t, es.Append(ctx, a, makeEvents(a, 1, "account.opened"), 0))
	require.NoError(t, es.Append(ctx, b, makeEvents(b, 1, "account.opened"), 0))
	require.NoError(t, es.Append(ctx, a, makeEvents(a, 2, "account.deposited"), 1))

	t.Run("sequence numbers are globally monotonic", func(t *testing.T) {
		events, err := es.LoadEventsFromSequence(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i := 1; i < len(events); i++ {
			assert.Greater(t, events[i].SequenceNumber, events[i-1].SequenceNumber)
		}
	})

	t.Run("from sequence is exclusive", func(t *testing.T) {
		events, err := es.LoadEventsFromSequence(ctx, 2, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(3), events[0].SequenceNumber)
	})

	t.Run("load by type", func(t *testing.T) {
		events, err := es.LoadEventsByType(ctx, "account.opened", 10, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
	})

	t.Run("latest sequence", func(t *testing.T) {
		seq, err := es.LatestSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), seq)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := es.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalEvents)
		assert.Equal(t, int64(2), stats.TotalAggregates)
		assert.Equal(t, int64(3), stats.LatestSequence)
		assert.False(t, stats.NewestEvent.IsZero())
	})
}

func TestEventStore_Idempotency(t *testing.T) {
	es := newTestStore(t)
	ctx := context.Background()
	id := domain.NewAggregateID()

	events := makeEvents(id, 1, "account.opened")
	rec, err := es.AppendIdempotent(ctx, id, events, 0, "cmd-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, rec.AlreadyProcessed)
	require.Len(t, rec.EventIDs, 1)

	t.Run("repeated command returns original result without appending", func(t *testing.T) {
		again, err := es.AppendIdempotent(ctx, id, makeEvents(id, 1, "account.opened"), 0, "cmd-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, again.AlreadyProcessed)
		assert.Equal(t, rec.EventIDs, again.EventIDs)

		version, err := es.AggregateVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
	})

	t.Run("command result lookup", func(t *testing.T) {
		got, err := es.CommandResult(ctx, "cmd-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.AlreadyProcessed)
		assert.Equal(t, id, got.AggregateID)
	})

	t.Run("unknown command yields nil", func(t *testing.T) {
		got, err := es.CommandResult(ctx, "cmd-unknown")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("expired record is purged", func(t *testing.T) {
		_, err := es.AppendIdempotent(ctx, id, makeEvents(id, 2, "account.deposited"), 1, "cmd-2", -time.Minute)
		require.NoError(t, err)

		got, err := es.CommandResult(ctx, "cmd-2")
		require.NoError(t, err)
		assert.Nil(t, got)

		n, err := es.PurgeExpiredCommands(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
