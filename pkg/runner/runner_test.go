package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderedService struct {
	name    string
	failure error
	log     *[]string
	mu      *sync.Mutex
}

func (s *orderedService) Name() string { return s.name }

func (s *orderedService) Start(context.Context) error {
	if s.failure != nil {
		return s.failure
	}
	s.record("start:" + s.name)
	return nil
}

func (s *orderedService) Stop(context.Context) error {
	s.record("stop:" + s.name)
	return nil
}

func (s *orderedService) record(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, entry)
}

func TestRunner(t *testing.T) {
	t.Run("starts in order, stops in reverse", func(t *testing.T) {
		var log []string
		var mu sync.Mutex
		services := []Service{
			&orderedService{name: "store", log: &log, mu: &mu},
			&orderedService{name: "workers", log: &log, mu: &mu},
		}
		r := New(services, WithoutSignals())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(log) == 2
		}, time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, <-done)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"start:store", "start:workers", "stop:workers", "stop:store"}, log)
	})

	t.Run("start failure stops already started services", func(t *testing.T) {
		var log []string
		var mu sync.Mutex
		services := []Service{
			&orderedService{name: "store", log: &log, mu: &mu},
			&orderedService{name: "broken", failure: errors.New("no disk"), log: &log, mu: &mu},
		}
		r := New(services, WithoutSignals())

		err := r.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
		assert.Equal(t, []string{"start:store", "stop:store"}, log)
	})

	t.Run("health check probes checkers", func(t *testing.T) {
		healthy := ServiceFunc("ok", nil, nil)
		r := New([]Service{healthy}, WithoutSignals())
		assert.NoError(t, r.HealthCheck(context.Background()))
	})
}

func TestSweeper(t *testing.T) {
	t.Run("runs every task once per tick", func(t *testing.T) {
		var a, b atomic.Int64
		s := NewSweeper([]Task{
			{Name: "a", Run: func(context.Context, time.Time) error { a.Add(1); return nil }},
			{Name: "b", Run: func(context.Context, time.Time) error { b.Add(1); return nil }},
		}, WithSweepInterval(5*time.Millisecond))

		require.NoError(t, s.Start(context.Background()))
		assert.Eventually(t, func() bool {
			return a.Load() >= 2 && b.Load() >= 2
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, s.Stop(context.Background()))
	})

	t.Run("one failing task does not block the rest", func(t *testing.T) {
		var ran atomic.Int64
		s := NewSweeper([]Task{
			{Name: "failing", Run: func(context.Context, time.Time) error { return errors.New("boom") }},
			{Name: "fine", Run: func(context.Context, time.Time) error { ran.Add(1); return nil }},
		})
		s.RunOnce(context.Background(), time.Now())
		assert.Equal(t, int64(1), ran.Load())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		s := NewSweeper(nil)
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Stop(context.Background()))
		require.NoError(t, s.Stop(context.Background()))
	})
}
