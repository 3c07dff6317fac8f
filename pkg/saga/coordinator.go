package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/theaddresstech/modular-ddd/pkg/commandbus"
	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

const sweepParallelism = 4

// AlertFunc receives operator alerts for compensation failures.
type AlertFunc func(sagaID string, err error)

// Dispatcher is the command-bus surface the coordinator needs; a
// *commandbus.Bus satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd commandbus.Command) (any, error)
}

// Coordinator routes events to live sagas and drives their state machines.
type Coordinator struct {
	sagas  store.SagaStore
	bus    Dispatcher
	logger *slog.Logger
	alert  AlertFunc

	mu       sync.RWMutex
	registry map[string]Factory
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithAlert sets the operator alert hook for compensation failures.
func WithAlert(alert AlertFunc) Option {
	return func(c *Coordinator) { c.alert = alert }
}

// NewCoordinator creates a saga coordinator.
func NewCoordinator(sagas store.SagaStore, bus Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		sagas:    sagas,
		bus:      bus,
		registry: make(map[string]Factory),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.alert == nil {
		c.alert = func(sagaID string, err error) {
			c.logger.Error("saga compensation requires manual intervention",
				slog.String("saga_id", sagaID), slog.Any("error", err))
		}
	}
	return c
}

// RegisterType binds a saga type to its factory. Instances of the type can
// then be initiated by events and rehydrated from storage.
func (c *Coordinator) RegisterType(sagaType string, factory Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.registry[sagaType]; exists {
		return fmt.Errorf("saga: type %q already registered", sagaType)
	}
	c.registry[sagaType] = factory
	return nil
}

// HandleEvent offers one event to every active saga and to the registered
// types' initiation predicates. Failures in one saga do not block others.
func (c *Coordinator) HandleEvent(ctx context.Context, event *domain.Event) error {
	records, err := c.sagas.LoadActive(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, record := range records {
		instance, err := c.rehydrate(record)
		if err != nil {
			c.logger.Warn("saga rehydration failed",
				slog.String("saga_id", record.SagaID),
				slog.String("saga_type", record.SagaType),
				slog.Any("error", err))
			continue
		}
		if !instance.HandlesEvent(event) {
			continue
		}
		if err := c.step(ctx, record, instance, event); err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", record.SagaID, err))
		}
	}

	if err := c.initiate(ctx, event); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Status returns a saga's persisted record, nil if unknown.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*store.SagaRecord, error) {
	return c.sagas.Load(ctx, sagaID)
}

// SweepTimeouts transitions expired sagas to TIMED_OUT and compensates
// them. Expired sagas are processed in parallel; their individual failures
// are joined.
func (c *Coordinator) SweepTimeouts(ctx context.Context, now time.Time) error {
	expired, err := c.sagas.LoadExpired(ctx, now)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, record := range expired {
		g.Go(func() error {
			instance, err := c.rehydrate(record)
			if err != nil {
				return fmt.Errorf("saga %s: %w", record.SagaID, err)
			}
			// Clearing the timeout keeps the follow-up compensation states
			// out of the next sweep.
			record.State = store.SagaTimedOut
			record.TimeoutAt = time.Time{}
			if err := c.sagas.Save(ctx, record); err != nil {
				return err
			}
			c.logger.Warn("saga timed out",
				slog.String("saga_id", record.SagaID),
				slog.String("saga_type", record.SagaType))
			return c.compensate(ctx, record, instance)
		})
	}
	return g.Wait()
}

// initiate starts new instances for registered types whose initiation
// predicate matches the event.
func (c *Coordinator) initiate(ctx context.Context, event *domain.Event) error {
	c.mu.RLock()
	factories := make(map[string]Factory, len(c.registry))
	for sagaType, factory := range c.registry {
		factories[sagaType] = factory
	}
	c.mu.RUnlock()

	var errs []error
	for sagaType, factory := range factories {
		probe := factory()
		if !probe.InitiatedBy(event) {
			continue
		}
		record := &store.SagaRecord{
			SagaID:   uuid.NewString(),
			SagaType: sagaType,
			State:    store.SagaPending,
			Metadata: map[string]string{"initiated_by": event.EventType},
		}
		if timeout := probe.Timeout(); timeout > 0 {
			record.TimeoutAt = domain.Now().Add(timeout)
		}
		if err := c.sagas.Save(ctx, record); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.step(ctx, record, probe, event); err != nil {
			errs = append(errs, fmt.Errorf("saga %s: %w", record.SagaID, err))
		}
	}
	return errors.Join(errs...)
}

// step runs one event through one saga instance and applies the resulting
// state transition.
func (c *Coordinator) step(ctx context.Context, record *store.SagaRecord, instance Saga, event *domain.Event) error {
	effect, handleErr := instance.HandleEvent(ctx, event)
	if handleErr != nil {
		if domain.IsRetryable(handleErr) {
			// Transient: leave state untouched so a redelivery can retry.
			return handleErr
		}
		if err := c.persist(ctx, record, instance, store.SagaFailed); err != nil {
			return err
		}
		if err := c.compensate(ctx, record, instance); err != nil {
			return err
		}
		return handleErr
	}

	// PENDING sagas start running on their first handled event.
	state := record.State
	if state == store.SagaPending {
		state = store.SagaRunning
	}

	for _, cmd := range effect.Commands {
		if _, err := c.bus.Dispatch(ctx, cmd); err != nil {
			if err := c.persist(ctx, record, instance, store.SagaFailed); err != nil {
				return err
			}
			if cErr := c.compensate(ctx, record, instance); cErr != nil {
				return cErr
			}
			return fmt.Errorf("dispatch %s: %w", cmd.CommandType(), err)
		}
	}

	switch effect.Outcome {
	case Complete:
		state = store.SagaCompleted
	case Fail:
		if err := c.persist(ctx, record, instance, store.SagaFailed); err != nil {
			return err
		}
		return c.compensate(ctx, record, instance)
	case Compensated:
		if record.State == store.SagaCompensating {
			state = store.SagaCompensated
		}
	}
	return c.persist(ctx, record, instance, state)
}

// compensate runs the saga's undo commands sequentially as a child
// compensation saga. Dispatch success ends in COMPENSATED unless the saga
// awaits confirmation events; any compensation failure marks the parent
// FAILED and raises an operator alert without retrying.
func (c *Coordinator) compensate(ctx context.Context, record *store.SagaRecord, instance Saga) error {
	if err := c.persist(ctx, record, instance, store.SagaCompensating); err != nil {
		return err
	}
	child := &store.SagaRecord{
		SagaID:   record.SagaID + ":compensation",
		SagaType: "compensation",
		State:    store.SagaRunning,
		Metadata: map[string]string{"parent": record.SagaID},
	}
	if err := c.sagas.Save(ctx, child); err != nil {
		return err
	}

	for _, cmd := range instance.CompensationCommands() {
		if _, err := c.bus.Dispatch(ctx, cmd); err != nil {
			failErr := fmt.Errorf("compensation %s: %w", cmd.CommandType(), err)
			if pErr := c.sagas.UpdateState(ctx, child.SagaID, store.SagaFailed, nil); pErr != nil {
				c.logger.Error("compensation saga persist failed",
					slog.String("saga_id", child.SagaID), slog.Any("error", pErr))
			}
			if pErr := c.persist(ctx, record, instance, store.SagaFailed); pErr != nil {
				return pErr
			}
			c.alert(record.SagaID, failErr)
			return failErr
		}
	}
	if err := c.sagas.UpdateState(ctx, child.SagaID, store.SagaCompleted, nil); err != nil {
		return err
	}

	if observer, ok := instance.(CompensationObserver); ok && observer.AwaitsCompensationEvents() {
		// Confirmation arrives as events; the saga stays COMPENSATING.
		return nil
	}
	return c.persist(ctx, record, instance, store.SagaCompensated)
}

// persist saves the instance state under the new saga state and mirrors it
// into the in-memory record so subsequent steps see the transition.
func (c *Coordinator) persist(ctx context.Context, record *store.SagaRecord, instance Saga, state store.SagaState) error {
	stateData, err := instance.MarshalState()
	if err != nil {
		return fmt.Errorf("marshal saga state: %w", err)
	}
	if err := c.sagas.UpdateState(ctx, record.SagaID, state, stateData); err != nil {
		return err
	}
	record.State = state
	record.StateData = stateData
	return nil
}

// rehydrate builds a live instance from a persisted record.
func (c *Coordinator) rehydrate(record *store.SagaRecord) (Saga, error) {
	c.mu.RLock()
	factory, ok := c.registry[record.SagaType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unregistered saga type %q", record.SagaType)
	}
	instance := factory()
	if len(record.StateData) > 0 {
		if err := instance.UnmarshalState(record.StateData); err != nil {
			return nil, fmt.Errorf("unmarshal saga state: %w", err)
		}
	}
	return instance, nil
}
