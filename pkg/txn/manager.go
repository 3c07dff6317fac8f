// Package txn provides scoped transactional execution over the durable
// store: isolation control, deadlock retry with backoff, post-commit and
// post-rollback hooks, and a persisted two-phase commit coordinator for
// cross-store work.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Options controls one transactional execution.
type Options struct {
	Isolation       sql.IsolationLevel
	Timeout         time.Duration
	ReadOnly        bool
	DeadlockRetries int
}

// Option overrides one execution setting.
type Option func(*Options)

// WithIsolation sets the isolation level.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(o *Options) { o.Isolation = level }
}

// WithTimeout bounds the whole execution including retries.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithReadOnly marks the transaction read-only.
func WithReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// WithDeadlockRetries sets how many times a deadlocked transaction is
// re-executed before the error surfaces.
func WithDeadlockRetries(n int) Option {
	return func(o *Options) { o.DeadlockRetries = n }
}

// Manager executes functions inside database transactions.
type Manager struct {
	db       *sql.DB
	logger   *slog.Logger
	defaults Options
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithDefaults sets the default execution options.
func WithDefaults(opts Options) ManagerOption {
	return func(m *Manager) { m.defaults = opts }
}

// NewManager creates a transaction manager over the given database.
func NewManager(db *sql.DB, opts ...ManagerOption) *Manager {
	m := &Manager{
		db: db,
		defaults: Options{
			Isolation:       sql.LevelDefault,
			DeadlockRetries: 3,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// scope carries the hook lists for one transactional execution. The lists
// are cleared when the scope exits; hooks fire exactly once.
type scope struct {
	mu            sync.Mutex
	afterCommit   []func()
	afterRollback []func()
}

type scopeKey struct{}

// AfterCommit registers a hook on the enclosing transaction scope.
// Returns an error when called outside Execute.
func AfterCommit(ctx context.Context, hook func()) error {
	sc, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return errors.New("txn: AfterCommit outside a transaction scope")
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.afterCommit = append(sc.afterCommit, hook)
	return nil
}

// AfterRollback registers a hook on the enclosing transaction scope.
func AfterRollback(ctx context.Context, hook func()) error {
	sc, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return errors.New("txn: AfterRollback outside a transaction scope")
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.afterRollback = append(sc.afterRollback, hook)
	return nil
}

// InScope reports whether ctx carries a transaction scope.
func InScope(ctx context.Context) bool {
	_, ok := ctx.Value(scopeKey{}).(*scope)
	return ok
}

// Execute runs fn inside a transaction. Deadlocks re-execute fn (with a
// fresh scope) up to the retry limit with exponential backoff. Hooks
// registered via AfterCommit/AfterRollback fire once after the outcome is
// known; hook panics are logged and do not change the outcome.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error, opts ...Option) error {
	options := m.defaults
	for _, opt := range opts {
		opt(&options)
	}
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	var err error
	for attempt := 0; ; attempt++ {
		err = m.executeOnce(ctx, fn, options)
		if err == nil || !isDeadlock(err) || attempt >= options.DeadlockRetries {
			return err
		}
		delay := policy.NextBackOff()
		m.logger.Warn("transaction deadlocked, retrying",
			slog.Int("attempt", attempt+1), slog.Duration("delay", delay), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *Manager) executeOnce(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error, options Options) error {
	sc := &scope{}
	scopedCtx := context.WithValue(ctx, scopeKey{}, sc)

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: options.Isolation,
		ReadOnly:  options.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(scopedCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			m.logger.Warn("rollback failed", slog.Any("error", rbErr))
		}
		m.fire(sc.drainRollback())
		return err
	}
	if err := tx.Commit(); err != nil {
		m.fire(sc.drainRollback())
		return fmt.Errorf("commit transaction: %w", err)
	}
	m.fire(sc.drainCommit())
	return nil
}

func (s *scope) drainCommit() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	hooks := s.afterCommit
	s.afterCommit, s.afterRollback = nil, nil
	return hooks
}

func (s *scope) drainRollback() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	hooks := s.afterRollback
	s.afterCommit, s.afterRollback = nil, nil
	return hooks
}

func (m *Manager) fire(hooks []func()) {
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("transaction hook panicked", slog.Any("panic", r))
				}
			}()
			hook()
		}()
	}
}

// isDeadlock identifies retriable contention failures.
func isDeadlock(err error) bool {
	if domain.IsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy")
}
