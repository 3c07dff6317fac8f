package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

func TestSagaStore(t *testing.T) {
	es := newTestStore(t)
	ss := NewSagaStore(es.DB())
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, ss.Save(ctx, &store.SagaRecord{
			SagaID:    "saga-1",
			SagaType:  "order-fulfillment",
			State:     store.SagaRunning,
			StateData: []byte(`{"step":1}`),
			Metadata:  map[string]string{"correlation_id": "corr-1"},
			TimeoutAt: domain.Now().Add(time.Hour),
		}))

		rec, err := ss.Load(ctx, "saga-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, store.SagaRunning, rec.State)
		assert.Equal(t, "corr-1", rec.Metadata["correlation_id"])
		assert.False(t, rec.TimeoutAt.IsZero())
	})

	t.Run("unknown saga yields nil", func(t *testing.T) {
		rec, err := ss.Load(ctx, "saga-unknown")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("load active excludes terminal states", func(t *testing.T) {
		require.NoError(t, ss.Save(ctx, &store.SagaRecord{
			SagaID:   "saga-2",
			SagaType: "order-fulfillment",
			State:    store.SagaCompleted,
		}))
		require.NoError(t, ss.Save(ctx, &store.SagaRecord{
			SagaID:   "saga-3",
			SagaType: "order-fulfillment",
			State:    store.SagaCompensating,
		}))

		active, err := ss.LoadActive(ctx)
		require.NoError(t, err)
		ids := make([]string, len(active))
		for i, rec := range active {
			ids[i] = rec.SagaID
		}
		assert.ElementsMatch(t, []string{"saga-1", "saga-3"}, ids)
	})

	t.Run("load expired", func(t *testing.T) {
		require.NoError(t, ss.Save(ctx, &store.SagaRecord{
			SagaID:    "saga-4",
			SagaType:  "order-fulfillment",
			State:     store.SagaRunning,
			TimeoutAt: domain.Now().Add(-time.Minute),
		}))

		expired, err := ss.LoadExpired(ctx, domain.Now())
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "saga-4", expired[0].SagaID)
	})

	t.Run("update state", func(t *testing.T) {
		require.NoError(t, ss.UpdateState(ctx, "saga-1", store.SagaCompleted, []byte(`{"step":3}`)))
		rec, err := ss.Load(ctx, "saga-1")
		require.NoError(t, err)
		assert.Equal(t, store.SagaCompleted, rec.State)
		assert.JSONEq(t, `{"step":3}`, string(rec.StateData))
	})

	t.Run("update unknown saga errors", func(t *testing.T) {
		assert.Error(t, ss.UpdateState(ctx, "saga-unknown", store.SagaCompleted, nil))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, ss.Delete(ctx, "saga-1"))
		rec, err := ss.Load(ctx, "saga-1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}
