package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/queue"
	"github.com/theaddresstech/modular-ddd/pkg/sqlite"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

func newAsyncFixture(t *testing.T, opts ...AsyncOption) (*Bus, *AsyncDispatcher) {
	t.Helper()
	db, err := sqlite.Open(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := New()
	dispatcher := NewAsyncDispatcher(bus, sqlite.NewAsyncStatusStore(db, time.Hour), opts...)
	return bus, dispatcher
}

func TestAsyncDispatcher_Inline(t *testing.T) {
	ctx := context.Background()

	t.Run("successful run completes with a result", func(t *testing.T) {
		bus, dispatcher := newAsyncFixture(t)
		require.NoError(t, bus.Register("account.open", HandlerFunc(
			func(context.Context, Command) (any, error) {
				return map[string]string{"account": "acc-1"}, nil
			})))

		asyncID, err := dispatcher.Dispatch(ctx, openAccount{ID: "acc-1"})
		require.NoError(t, err)
		require.NotEmpty(t, asyncID)

		dispatcher.Wait()
		record, err := dispatcher.Status(ctx, asyncID)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, store.AsyncCompleted, record.Status)

		var result map[string]string
		require.NoError(t, json.Unmarshal(record.Result, &result))
		assert.Equal(t, "acc-1", result["account"])
		assert.Equal(t, "account.open", record.Metadata["command_type"])
	})

	t.Run("handler failure records FAILED with the error", func(t *testing.T) {
		bus, dispatcher := newAsyncFixture(t)
		require.NoError(t, bus.Register("account.open", HandlerFunc(
			func(context.Context, Command) (any, error) {
				return nil, errors.New("insufficient funds")
			})))

		asyncID, err := dispatcher.Dispatch(ctx, openAccount{ID: "acc-1"})
		require.NoError(t, err)

		dispatcher.Wait()
		record, err := dispatcher.Status(ctx, asyncID)
		require.NoError(t, err)
		assert.Equal(t, store.AsyncFailed, record.Status)
		assert.Contains(t, record.Error, "insufficient funds")
	})

	t.Run("cancel after completion returns false", func(t *testing.T) {
		bus, dispatcher := newAsyncFixture(t)
		require.NoError(t, bus.Register("account.open", HandlerFunc(
			func(context.Context, Command) (any, error) { return "ok", nil })))

		asyncID, err := dispatcher.Dispatch(ctx, openAccount{ID: "acc-1"})
		require.NoError(t, err)
		dispatcher.Wait()

		cancelled, err := dispatcher.Cancel(ctx, asyncID)
		require.NoError(t, err)
		assert.False(t, cancelled)
	})
}

func TestAsyncDispatcher_Queue(t *testing.T) {
	ctx := context.Background()

	newQueueFixture := func(t *testing.T) (*Bus, *AsyncDispatcher, *queue.MemoryQueue) {
		t.Helper()
		q := queue.NewMemoryQueue()
		t.Cleanup(func() { q.Close() })
		bus, dispatcher := newAsyncFixture(t, WithAsyncStrategy(QueueStrategy{Queue: q}))
		return bus, dispatcher, q
	}

	t.Run("queued submission is pending until the worker runs it", func(t *testing.T) {
		bus, dispatcher, q := newQueueFixture(t)
		require.NoError(t, bus.Register("account.open", HandlerFunc(
			func(context.Context, Command) (any, error) { return "ok", nil })))
		dispatcher.RegisterDecoder("account.open", func(payload []byte) (Command, error) {
			var cmd openAccount
			return cmd, json.Unmarshal(payload, &cmd)
		})

		asyncID, err := dispatcher.Dispatch(ctx, openAccount{ID: "acc-1", Owner: "ada"})
		require.NoError(t, err)

		record, err := dispatcher.Status(ctx, asyncID)
		require.NoError(t, err)
		assert.Equal(t, store.AsyncPending, record.Status)

		sub, err := dispatcher.StartWorker(q)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		assert.Eventually(t, func() bool {
			record, err := dispatcher.Status(ctx, asyncID)
			return err == nil && record != nil && record.Status == store.AsyncCompleted
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("cancelled submissions are not executed", func(t *testing.T) {
		bus, dispatcher, q := newQueueFixture(t)
		var executed bool
		require.NoError(t, bus.Register("account.open", HandlerFunc(
			func(context.Context, Command) (any, error) {
				executed = true
				return nil, nil
			})))
		dispatcher.RegisterDecoder("account.open", func(payload []byte) (Command, error) {
			var cmd openAccount
			return cmd, json.Unmarshal(payload, &cmd)
		})

		asyncID, err := dispatcher.Dispatch(ctx, openAccount{ID: "acc-1"})
		require.NoError(t, err)

		cancelled, err := dispatcher.Cancel(ctx, asyncID)
		require.NoError(t, err)
		require.True(t, cancelled)

		sub, err := dispatcher.StartWorker(q)
		require.NoError(t, err)
		defer sub.Unsubscribe()
		q.Wait()

		record, err := dispatcher.Status(ctx, asyncID)
		require.NoError(t, err)
		assert.Equal(t, store.AsyncCancelled, record.Status)
		assert.False(t, executed)
	})

	t.Run("missing decoder fails the submission", func(t *testing.T) {
		bus, dispatcher, q := newQueueFixture(t)
		require.NoError(t, bus.Register("account.open", HandlerFunc(
			func(context.Context, Command) (any, error) { return nil, nil })))

		asyncID, err := dispatcher.Dispatch(ctx, openAccount{ID: "acc-1"})
		require.NoError(t, err)

		sub, err := dispatcher.StartWorker(q)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		assert.Eventually(t, func() bool {
			record, err := dispatcher.Status(ctx, asyncID)
			return err == nil && record != nil && record.Status == store.AsyncFailed
		}, 2*time.Second, 10*time.Millisecond)
	})
}
