package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/cache"
	"github.com/theaddresstech/modular-ddd/pkg/projection"
	"github.com/theaddresstech/modular-ddd/pkg/saga"
)

const defaultSweepInterval = 30 * time.Second

// Task is one unit of periodic maintenance.
type Task struct {
	Name string
	Run  func(ctx context.Context, now time.Time) error
}

// Sweeper runs maintenance tasks on a fixed interval: projection catch-up,
// batch flushes, saga timeouts, cache and status purges. A failing task is
// logged and retried on the next tick; it never stops the sweep.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the tick interval. Default 30s.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweeperLogger sets the logger. Defaults to slog.Default().
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// NewSweeper creates a sweeper over the given tasks.
func NewSweeper(tasks []Task, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		interval: defaultSweepInterval,
		tasks:    tasks,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Sweeper) Name() string { return "sweeper" }

// Start launches the sweep loop.
func (s *Sweeper) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	go s.loop(loopCtx, done)
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RunOnce(ctx, now)
		}
	}
}

// RunOnce executes every task once. Failures are logged per task.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) {
	for _, task := range s.tasks {
		if err := task.Run(ctx, now); err != nil {
			s.logger.Warn("sweep task failed",
				slog.String("task", task.Name), slog.Any("error", err))
		}
	}
}

// ProjectionTask drains new events through every registered projector.
func ProjectionTask(manager *projection.Manager) Task {
	return Task{
		Name: "projection-catchup",
		Run: func(ctx context.Context, _ time.Time) error {
			return manager.ProcessNew(ctx)
		},
	}
}

// BatchFlushTask flushes aged projection batches.
func BatchFlushTask(batched *projection.Batched) Task {
	return Task{
		Name: "projection-batch-flush",
		Run:  batched.FlushExpired,
	}
}

// SagaTimeoutTask compensates sagas past their deadline.
func SagaTimeoutTask(coordinator *saga.Coordinator) Task {
	return Task{
		Name: "saga-timeouts",
		Run:  coordinator.SweepTimeouts,
	}
}

// CachePurgeTask evicts expired L1 query cache entries.
func CachePurgeTask(l1 *cache.L1) Task {
	return Task{
		Name: "cache-l1-purge",
		Run: func(_ context.Context, now time.Time) error {
			l1.PurgeExpired(now)
			return nil
		},
	}
}

// ExpiryPurger is the purge surface of the SQLite-backed stores (query
// cache, async statuses, distributed transactions).
type ExpiryPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PurgeTask purges expired rows from one durable store.
func PurgeTask(name string, purger ExpiryPurger) Task {
	return Task{
		Name: name,
		Run: func(ctx context.Context, now time.Time) error {
			_, err := purger.PurgeExpired(ctx, now)
			return err
		},
	}
}

// CommandPurger is the idempotency-record purge surface of the event store.
type CommandPurger interface {
	PurgeExpiredCommands(ctx context.Context) (int64, error)
}

// IdempotencyPurgeTask drops processed-command records past their TTL.
func IdempotencyPurgeTask(purger CommandPurger) Task {
	return Task{
		Name: "idempotency-purge",
		Run: func(ctx context.Context, _ time.Time) error {
			_, err := purger.PurgeExpiredCommands(ctx)
			return err
		},
	}
}
