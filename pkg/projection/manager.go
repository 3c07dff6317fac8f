package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

const (
	defaultBatchSize   = 100
	defaultLockTimeout = 30 * time.Second

	// Lag thresholds for health classification.
	lagWarning  = 1_000
	lagCritical = 10_000

	// Errors younger than this degrade a projection's health.
	errorDecay = time.Hour
)

// HealthState classifies a projection's lag behind the log head.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Warning  HealthState = "warning"
	Critical HealthState = "critical"
)

// Health is one projection's status snapshot.
type Health struct {
	Name      string
	Enabled   bool
	Position  int64
	Lag       int64
	State     HealthState
	LastError string
}

type registration struct {
	projector Projector

	mu          sync.Mutex
	enabled     bool
	lastError   error
	lastErrorAt time.Time
	processed   uint64
}

func (r *registration) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Manager advances registered projectors independently. One projector's
// failure never stalls the others; its checkpoint simply stops advancing
// until the fault clears.
type Manager struct {
	source      store.SequencedStore
	checkpoints store.CheckpointStore
	batchSize   int
	lockTimeout time.Duration
	logger      *slog.Logger

	mu         sync.RWMutex
	registered map[string]*registration
	order      []string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBatchSize sets how many events one pass reads per projector.
// Defaults to 100.
func WithBatchSize(n int) ManagerOption {
	return func(m *Manager) { m.batchSize = n }
}

// WithLockTimeout bounds how long a worker may hold a projection lock.
// Defaults to 30s.
func WithLockTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.lockTimeout = d }
}

// WithManagerLogger sets the logger. Defaults to slog.Default().
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a projection manager over the durable log.
func NewManager(source store.SequencedStore, checkpoints store.CheckpointStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		source:      source,
		checkpoints: checkpoints,
		batchSize:   defaultBatchSize,
		lockTimeout: defaultLockTimeout,
		registered:  make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Register adds a projector. Names must be unique.
func (m *Manager) Register(p Projector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registered[p.Name()]; exists {
		return fmt.Errorf("projection: %q already registered", p.Name())
	}
	m.registered[p.Name()] = &registration{projector: p, enabled: true}
	m.order = append(m.order, p.Name())
	return nil
}

// Enable resumes a projector.
func (m *Manager) Enable(name string) error { return m.setEnabled(name, true) }

// Disable pauses a projector; its checkpoint stays put.
func (m *Manager) Disable(name string) error { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registered[name]
	if !ok {
		return fmt.Errorf("projection: unknown projector %q", name)
	}
	reg.mu.Lock()
	reg.enabled = enabled
	reg.mu.Unlock()
	return nil
}

// ProcessNew advances every enabled projector from its checkpoint to the
// log head. Per-projector failures are recorded and joined into the return
// value, but never block other projectors.
func (m *Manager) ProcessNew(ctx context.Context) error {
	var errs []error
	for _, reg := range m.snapshotRegistrations() {
		if !reg.isEnabled() {
			continue
		}
		if err := m.advance(ctx, reg); err != nil {
			reg.recordError(err)
			m.logger.Error("projection advance failed",
				slog.String("projection", reg.projector.Name()),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", reg.projector.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ProcessEvent offers one freshly appended event to every enabled
// projector. Used by the realtime and async dispatch strategies; the event
// must carry its durable sequence number.
func (m *Manager) ProcessEvent(ctx context.Context, event *domain.Event) error {
	if event.SequenceNumber == 0 {
		return fmt.Errorf("projection: event %s has no sequence number", event.ID)
	}
	var errs []error
	for _, reg := range m.snapshotRegistrations() {
		if !reg.isEnabled() || !reg.projector.CanHandle(event) {
			continue
		}
		if err := m.applyOne(ctx, reg, event); err != nil {
			reg.recordError(err)
			errs = append(errs, fmt.Errorf("%s: %w", reg.projector.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Replay rebuilds one projection. With fromSequence <= 0 the projector is
// reset and replayed from the beginning; otherwise replay starts at
// fromSequence without resetting.
func (m *Manager) Replay(ctx context.Context, name string, fromSequence int64) error {
	m.mu.RLock()
	reg, ok := m.registered[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("projection: unknown projector %q", name)
	}

	acquired, err := m.checkpoints.AcquireLock(ctx, name, m.lockTimeout)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("projection: %q is locked by another worker", name)
	}
	defer func() {
		if err := m.checkpoints.ReleaseLock(ctx, name); err != nil {
			m.logger.Warn("projection unlock failed", slog.String("projection", name), slog.Any("error", err))
		}
	}()

	start := fromSequence - 1
	if fromSequence <= 0 {
		if err := reg.projector.Reset(ctx); err != nil {
			return fmt.Errorf("reset %q: %w", name, err)
		}
		start = 0
	}
	if err := m.checkpoints.Save(ctx, &store.ProjectionCheckpoint{
		ProjectionName: name,
		Position:       start,
	}); err != nil {
		return err
	}
	return m.drain(ctx, reg)
}

// Health reports lag and error status for every registered projection.
func (m *Manager) Health(ctx context.Context) ([]Health, error) {
	latest, err := m.source.LatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	var out []Health
	for _, reg := range m.snapshotRegistrations() {
		name := reg.projector.Name()
		checkpoint, err := m.checkpoints.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		h := Health{
			Name:     name,
			Enabled:  reg.isEnabled(),
			Position: checkpoint.Position,
			Lag:      latest - checkpoint.Position,
		}
		switch {
		case h.Lag >= lagCritical:
			h.State = Critical
		case h.Lag >= lagWarning:
			h.State = Warning
		default:
			h.State = Healthy
		}
		reg.mu.Lock()
		if reg.lastError != nil && time.Since(reg.lastErrorAt) < errorDecay {
			h.LastError = reg.lastError.Error()
			if h.State == Healthy {
				h.State = Warning
			} else {
				h.State = Critical
			}
		}
		reg.mu.Unlock()
		out = append(out, h)
	}
	return out, nil
}

// advance locks the projector and drains the log from its checkpoint.
// A held lock means another worker is on it; that is not an error.
func (m *Manager) advance(ctx context.Context, reg *registration) error {
	name := reg.projector.Name()
	acquired, err := m.checkpoints.AcquireLock(ctx, name, m.lockTimeout)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := m.checkpoints.ReleaseLock(ctx, name); err != nil {
			m.logger.Warn("projection unlock failed", slog.String("projection", name), slog.Any("error", err))
		}
	}()
	return m.drain(ctx, reg)
}

// drain reads batches from the checkpoint forward until the log head,
// advancing the checkpoint per processed event. Callers hold the lock.
func (m *Manager) drain(ctx context.Context, reg *registration) error {
	name := reg.projector.Name()
	for {
		checkpoint, err := m.checkpoints.Load(ctx, name)
		if err != nil {
			return err
		}
		events, err := m.source.LoadEventsFromSequence(ctx, checkpoint.Position, m.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, event := range events {
			if reg.projector.CanHandle(event) {
				if err := reg.projector.Handle(ctx, event); err != nil {
					return fmt.Errorf("handle event %s (seq %d): %w", event.EventType, event.SequenceNumber, err)
				}
				reg.countProcessed()
			}
			// The checkpoint advances past skipped events too; they are
			// settled for this projector either way.
			if err := m.checkpoints.Save(ctx, &store.ProjectionCheckpoint{
				ProjectionName: name,
				Position:       event.SequenceNumber,
			}); err != nil {
				return err
			}
		}
		if len(events) < m.batchSize {
			return nil
		}
	}
}

// applyOne nudges a single projector on the realtime path. The checkpoint
// drain, not the event itself, is the unit of work: deliveries may arrive
// out of order or more than once, and draining from the checkpoint settles
// every durable event up to and including this one exactly once.
func (m *Manager) applyOne(ctx context.Context, reg *registration, event *domain.Event) error {
	name := reg.projector.Name()
	checkpoint, err := m.checkpoints.Load(ctx, name)
	if err != nil {
		return err
	}
	if event.SequenceNumber <= checkpoint.Position {
		return nil
	}
	return m.advance(ctx, reg)
}

func (m *Manager) snapshotRegistrations() []*registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*registration, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.registered[name])
	}
	return out
}

func (r *registration) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = err
	r.lastErrorAt = time.Now()
}

func (r *registration) countProcessed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
}
