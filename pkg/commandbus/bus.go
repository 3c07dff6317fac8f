package commandbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Bus routes commands to their single registered handler through the
// middleware pipeline. The retry decorator sits outside the pipeline, so a
// retried command re-runs validation, authorization and its transaction.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	middlewares []Middleware

	timeout       time.Duration
	retryAttempts uint64
	retryInitial  time.Duration
	logger        *slog.Logger

	dispatched  atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	totalMicros atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithDispatchTimeout bounds each dispatch. Zero means no bus-level timeout.
func WithDispatchTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithRetry enables the outer retry decorator: up to attempts re-dispatches
// for retryable errors, exponential backoff with jitter from initial delay.
func WithRetry(attempts int, initial time.Duration) Option {
	return func(b *Bus) {
		if attempts > 0 {
			b.retryAttempts = uint64(attempts)
		}
		if initial > 0 {
			b.retryInitial = initial
		}
	}
}

// WithBusLogger sets the logger. Defaults to slog.Default().
func WithBusLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a command bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:     make(map[string]Handler),
		retryInitial: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Register binds a handler to a command type. Exactly one handler may own a
// type; re-registration is a configuration error.
func (b *Bus) Register(commandType string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[commandType]; exists {
		return fmt.Errorf("command bus: handler already registered for %q", commandType)
	}
	b.handlers[commandType] = handler
	return nil
}

// Use adds a middleware. The pipeline is re-sorted by priority, descending;
// registration order breaks ties.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
	sort.SliceStable(b.middlewares, func(i, j int) bool {
		return b.middlewares[i].Priority() > b.middlewares[j].Priority()
	})
}

// Dispatch executes the command synchronously and returns the handler
// result. Retryable failures re-run the whole pipeline up to the configured
// attempt count; exceeding the dispatch timeout yields ErrCommandTimeout.
func (b *Bus) Dispatch(ctx context.Context, cmd Command) (any, error) {
	b.dispatched.Add(1)
	started := time.Now()
	result, err := b.dispatchWithRetry(ctx, cmd)
	b.totalMicros.Add(time.Since(started).Microseconds())
	if err != nil {
		b.failed.Add(1)
		return nil, err
	}
	b.succeeded.Add(1)
	return result, nil
}

func (b *Bus) dispatchWithRetry(ctx context.Context, cmd Command) (any, error) {
	if b.retryAttempts == 0 {
		return b.dispatchOnce(ctx, cmd)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.retryInitial
	policy.MaxInterval = 2 * time.Second

	var result any
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		result, err = b.dispatchOnce(ctx, cmd)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		b.logger.Warn("command dispatch failed, retrying",
			slog.String("command_type", cmd.CommandType()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, b.retryAttempts), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Bus) dispatchOnce(ctx context.Context, cmd Command) (any, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	b.mu.RLock()
	handler, ok := b.handlers[cmd.CommandType()]
	pipeline := make([]Middleware, len(b.middlewares))
	copy(pipeline, b.middlewares)
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: command %q", domain.ErrHandlerNotFound, cmd.CommandType())
	}

	next := Next(handler.Handle)
	for i := len(pipeline) - 1; i >= 0; i-- {
		mw := pipeline[i]
		inner := next
		next = func(ctx context.Context, cmd Command) (any, error) {
			if !mw.ShouldProcess(cmd) {
				return inner(ctx, cmd)
			}
			return mw.Handle(ctx, cmd, inner)
		}
	}

	result, err := next(ctx, cmd)
	if err != nil && b.timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: command %q after %s", domain.ErrCommandTimeout, cmd.CommandType(), b.timeout)
	}
	return result, err
}

// Stats is a snapshot of bus activity.
type Stats struct {
	Dispatched  uint64
	Succeeded   uint64
	Failed      uint64
	AvgDuration time.Duration
}

// Stats returns dispatch counters and average latency.
func (b *Bus) Stats() Stats {
	dispatched := b.dispatched.Load()
	stats := Stats{
		Dispatched: dispatched,
		Succeeded:  b.succeeded.Load(),
		Failed:     b.failed.Load(),
	}
	if dispatched > 0 {
		stats.AvgDuration = time.Duration(b.totalMicros.Load()/int64(dispatched)) * time.Microsecond
	}
	return stats
}
