package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/projection"
	"github.com/theaddresstech/modular-ddd/pkg/queue"
)

func mapLookup(env map[string]string) Lookup {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"startup", "growth", "scale", "enterprise"} {
		profile, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, profile.Name)
	}
	_, err := ByName("hyperscale")
	assert.Error(t, err)
}

func TestProfilePresets(t *testing.T) {
	t.Run("startup keeps everything inline", func(t *testing.T) {
		p := Startup()
		assert.Equal(t, AsyncInline, p.AsyncStrategy)
		assert.Equal(t, ProjectionRealtime, p.ProjectionStrategy)
		assert.Equal(t, SnapshotSimple, p.SnapshotStrategy)
	})

	t.Run("scale moves work off the request path", func(t *testing.T) {
		p := Scale()
		assert.Equal(t, AsyncQueue, p.AsyncStrategy)
		assert.Equal(t, ProjectionAsync, p.ProjectionStrategy)
		assert.Greater(t, p.L1MaxEntries, Growth().L1MaxEntries)
	})

	t.Run("enterprise batches projections", func(t *testing.T) {
		p := Enterprise()
		assert.Equal(t, ProjectionBatched, p.ProjectionStrategy)
		assert.NotZero(t, p.BatchMaxSize)
		assert.NotZero(t, p.BatchMaxAge)
	})
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults to startup", func(t *testing.T) {
		profile, err := FromEnv(mapLookup(nil))
		require.NoError(t, err)
		assert.Equal(t, "startup", profile.Name)
	})

	t.Run("profile selection with key overrides", func(t *testing.T) {
		profile, err := FromEnv(mapLookup(map[string]string{
			"MODULAR_DDD_PROFILE":            "scale",
			"MODULAR_DDD_SNAPSHOT_THRESHOLD": "250",
			"MODULAR_DDD_HOT_STORE_TTL":      "45m",
			"MODULAR_DDD_ASYNC_STRATEGY":     "inline",
		}))
		require.NoError(t, err)
		assert.Equal(t, "scale", profile.Name)
		assert.Equal(t, int64(250), profile.SnapshotThreshold)
		assert.Equal(t, 45*time.Minute, profile.HotStoreTTL)
		assert.Equal(t, AsyncInline, profile.AsyncStrategy)
		// Untouched keys keep the preset's values.
		assert.Equal(t, Scale().L1MaxEntries, profile.L1MaxEntries)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		_, err := FromEnv(mapLookup(map[string]string{"MODULAR_DDD_SNAPSHOT_THRESHOLD": "many"}))
		assert.Error(t, err)

		_, err = FromEnv(mapLookup(map[string]string{"MODULAR_DDD_ASYNC_STRATEGY": "psychic"}))
		assert.Error(t, err)

		_, err = FromEnv(mapLookup(map[string]string{"MODULAR_DDD_PROFILE": "hyperscale"}))
		assert.Error(t, err)
	})
}

func TestOptionMapping(t *testing.T) {
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	t.Run("async strategy", func(t *testing.T) {
		assert.IsType(t, commandbus.InlineStrategy{}, Startup().AsyncStrategyFor(q))
		assert.IsType(t, commandbus.QueueStrategy{}, Scale().AsyncStrategyFor(q))
		// A queued profile without a queue degrades to inline.
		assert.IsType(t, commandbus.InlineStrategy{}, Scale().AsyncStrategyFor(nil))
	})

	t.Run("projection strategy", func(t *testing.T) {
		assert.IsType(t, &projection.Realtime{}, Startup().ProjectionStrategyFor(nil, q))
		assert.IsType(t, &projection.Async{}, Scale().ProjectionStrategyFor(nil, q))

		batched := Enterprise().ProjectionStrategyFor(nil, nil)
		require.IsType(t, &projection.Batched{}, batched)
		assert.Equal(t, Enterprise().BatchMaxSize, batched.(*projection.Batched).MaxSize)
	})

	t.Run("snapshot options build without error", func(t *testing.T) {
		assert.Len(t, Startup().SnapshotOptions(), 2)
		assert.Len(t, Enterprise().SnapshotOptions(), 2)
		assert.Len(t, Growth().L1Options(), 2)
		assert.Len(t, Growth().CacheOptions(), 1)
		assert.Len(t, Growth().HotStoreOptions(), 2)
	})
}
