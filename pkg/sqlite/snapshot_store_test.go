package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

func TestSnapshotStore(t *testing.T) {
	es := newTestStore(t)
	ss := NewSnapshotStore(es.DB())
	ctx := context.Background()
	id := domain.NewAggregateID()

	save := func(version int64) {
		require.NoError(t, ss.Save(ctx, &store.Snapshot{
			AggregateID:   id,
			AggregateType: "Account",
			Version:       version,
			State:         []byte(fmt.Sprintf(`{"balance":%d}`, version*100)),
		}))
	}

	t.Run("save computes hash", func(t *testing.T) {
		save(10)
		snap, err := ss.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(10), snap.Version)
		assert.True(t, snap.Verify())
	})

	t.Run("load returns newest version", func(t *testing.T) {
		save(20)
		snap, err := ss.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(20), snap.Version)
	})

	t.Run("load version returns exact version", func(t *testing.T) {
		snap, err := ss.LoadVersion(ctx, id, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(10), snap.Version)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		_, err := ss.Load(ctx, domain.NewAggregateID())
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := ss.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("corrupt snapshot fails integrity check", func(t *testing.T) {
		_, err := es.DB().ExecContext(ctx,
			`UPDATE snapshots SET state = ? WHERE aggregate_id = ? AND version = 20`,
			[]byte(`{"balance":-1}`), id.String())
		require.NoError(t, err)

		_, err = ss.Load(ctx, id)
		assert.ErrorIs(t, err, domain.ErrSnapshotIntegrity)
	})

	t.Run("load batch skips corrupt snapshots", func(t *testing.T) {
		other := domain.NewAggregateID()
		require.NoError(t, ss.Save(ctx, &store.Snapshot{
			AggregateID:   other,
			AggregateType: "Account",
			Version:       5,
			State:         []byte(`{"balance":500}`),
		}))

		snaps, err := ss.LoadBatch(ctx, []domain.AggregateID{id, other})
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.Equal(t, int64(5), snaps[other].Version)
	})

	t.Run("prune keeps newest versions", func(t *testing.T) {
		save(30)
		save(40)
		require.NoError(t, ss.Prune(ctx, id, 2))

		_, err := ss.LoadVersion(ctx, id, 10)
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
		snap, err := ss.LoadVersion(ctx, id, 40)
		require.NoError(t, err)
		assert.Equal(t, int64(40), snap.Version)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := ss.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalSnapshots)
		assert.Equal(t, int64(2), stats.UniqueAggregates)
		assert.Greater(t, stats.TotalSizeBytes, int64(0))
	})

	t.Run("remove all", func(t *testing.T) {
		require.NoError(t, ss.RemoveAll(ctx, id))
		ok, err := ss.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
