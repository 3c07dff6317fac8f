package txn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// Participant is one party in a two-phase commit.
type Participant interface {
	// Name identifies the participant in persisted state.
	Name() string

	// Prepare reserves the participant's work. After a successful prepare
	// the participant must be able to either Commit or Rollback.
	Prepare(ctx context.Context, txnID string) error

	// Commit finalizes the prepared work.
	Commit(ctx context.Context, txnID string) error

	// Rollback releases the prepared work.
	Rollback(ctx context.Context, txnID string) error
}

// Coordinator drives the two-phase protocol: prepare all participants, then
// commit all; rollback everything on any prepare or commit failure. State is
// persisted at every transition so in-doubt transactions survive restarts.
type Coordinator struct {
	state  store.DistributedTxnStore
	logger *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger. Defaults to slog.Default().
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator creates a coordinator over a persisted state store.
func NewCoordinator(state store.DistributedTxnStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{state: state}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Execute runs one distributed transaction across the participants and
// returns its id. On failure the returned error wraps the participant
// failure; the persisted record ends in ROLLED_BACK or FAILED.
func (c *Coordinator) Execute(ctx context.Context, participants ...Participant) (string, error) {
	if len(participants) == 0 {
		return "", fmt.Errorf("distributed txn: no participants")
	}
	txnID := uuid.NewString()
	names := make([]string, len(participants))
	for i, p := range participants {
		names[i] = p.Name()
	}
	if err := c.state.Save(ctx, &store.DistributedTxnRecord{
		TxnID:        txnID,
		State:        store.DistributedTxnPending,
		Participants: names,
	}); err != nil {
		return "", err
	}

	c.transition(ctx, txnID, store.DistributedTxnPreparing)
	for i, p := range participants {
		if err := p.Prepare(ctx, txnID); err != nil {
			c.rollback(ctx, txnID, participants[:i])
			c.transition(ctx, txnID, store.DistributedTxnRolledBack)
			return txnID, fmt.Errorf("distributed txn %s: prepare %s: %w", txnID, p.Name(), err)
		}
	}
	c.transition(ctx, txnID, store.DistributedTxnPrepared)

	c.transition(ctx, txnID, store.DistributedTxnCommitting)
	for i, p := range participants {
		if err := p.Commit(ctx, txnID); err != nil {
			// Participants before i are already committed; rolling back the
			// rest is the best available outcome. The record is marked
			// FAILED for operator follow-up.
			c.rollback(ctx, txnID, participants[i:])
			c.transition(ctx, txnID, store.DistributedTxnFailed)
			return txnID, fmt.Errorf("distributed txn %s: commit %s: %w", txnID, p.Name(), err)
		}
	}
	c.transition(ctx, txnID, store.DistributedTxnCommitted)
	return txnID, nil
}

// Status returns the persisted record for a transaction, nil if unknown.
func (c *Coordinator) Status(ctx context.Context, txnID string) (*store.DistributedTxnRecord, error) {
	return c.state.Get(ctx, txnID)
}

func (c *Coordinator) rollback(ctx context.Context, txnID string, participants []Participant) {
	for i := len(participants) - 1; i >= 0; i-- {
		p := participants[i]
		if err := p.Rollback(ctx, txnID); err != nil {
			c.logger.Error("distributed txn rollback failed",
				slog.String("txn_id", txnID),
				slog.String("participant", p.Name()),
				slog.Any("error", err))
		}
	}
}

func (c *Coordinator) transition(ctx context.Context, txnID string, state store.DistributedTxnState) {
	if err := c.state.SetState(ctx, txnID, state); err != nil {
		c.logger.Error("distributed txn state persist failed",
			slog.String("txn_id", txnID),
			slog.String("state", string(state)),
			slog.Any("error", err))
	}
}
