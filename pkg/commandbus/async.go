package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/theaddresstech/modular-ddd/pkg/idgen"
	"github.com/theaddresstech/modular-ddd/pkg/queue"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// JobKindAsyncCommand is the queue kind for queued command submissions.
const JobKindAsyncCommand = "async-command"

// Decoder rebuilds a command from its serialized form. Queue-backed async
// dispatch needs one per command type; inline dispatch does not.
type Decoder func(payload []byte) (Command, error)

// AsyncStrategy hands a submitted command off for background execution.
type AsyncStrategy interface {
	Submit(ctx context.Context, d *AsyncDispatcher, asyncID string, cmd Command) error
}

// AsyncDispatcher runs commands in the background and tracks their status
// with a bounded TTL. Cancellation is best-effort: only PENDING submissions
// honor it.
type AsyncDispatcher struct {
	bus      *Bus
	statuses store.AsyncStatusStore
	strategy AsyncStrategy
	logger   *slog.Logger

	mu       sync.RWMutex
	decoders map[string]Decoder

	inflight sync.WaitGroup
}

// AsyncOption configures an AsyncDispatcher.
type AsyncOption func(*AsyncDispatcher)

// WithAsyncStrategy selects the execution strategy. Defaults to inline.
func WithAsyncStrategy(strategy AsyncStrategy) AsyncOption {
	return func(d *AsyncDispatcher) { d.strategy = strategy }
}

// WithAsyncLogger sets the logger. Defaults to slog.Default().
func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(d *AsyncDispatcher) { d.logger = logger }
}

// NewAsyncDispatcher creates an async dispatcher over the bus.
func NewAsyncDispatcher(bus *Bus, statuses store.AsyncStatusStore, opts ...AsyncOption) *AsyncDispatcher {
	d := &AsyncDispatcher{
		bus:      bus,
		statuses: statuses,
		decoders: make(map[string]Decoder),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.strategy == nil {
		d.strategy = InlineStrategy{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// RegisterDecoder binds a decoder to a command type for queue-backed
// execution.
func (d *AsyncDispatcher) RegisterDecoder(commandType string, decoder Decoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoders[commandType] = decoder
}

// Dispatch submits the command for background execution and returns its
// async id. The PENDING status is visible before this returns.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, cmd Command) (string, error) {
	asyncID := idgen.NewID()
	record := &store.AsyncCommandRecord{
		AsyncID: asyncID,
		Status:  store.AsyncPending,
		Metadata: map[string]string{
			"command_type": cmd.CommandType(),
			"aggregate_id": string(cmd.AggregateID()),
		},
	}
	if err := d.statuses.Create(ctx, record); err != nil {
		return "", fmt.Errorf("async dispatch: record status: %w", err)
	}
	if err := d.strategy.Submit(ctx, d, asyncID, cmd); err != nil {
		if _, cancelErr := d.statuses.Cancel(ctx, asyncID); cancelErr != nil {
			d.logger.Warn("async submission cleanup failed",
				slog.String("async_id", asyncID), slog.Any("error", cancelErr))
		}
		return "", fmt.Errorf("async dispatch: submit: %w", err)
	}
	return asyncID, nil
}

// Status returns the tracked record, nil if unknown or expired.
func (d *AsyncDispatcher) Status(ctx context.Context, asyncID string) (*store.AsyncCommandRecord, error) {
	return d.statuses.Get(ctx, asyncID)
}

// Cancel marks a still-PENDING submission CANCELLED. Returns false once the
// command started processing.
func (d *AsyncDispatcher) Cancel(ctx context.Context, asyncID string) (bool, error) {
	return d.statuses.Cancel(ctx, asyncID)
}

// Wait blocks until inline executions in flight have finished.
func (d *AsyncDispatcher) Wait() {
	d.inflight.Wait()
}

// run executes one submission, recording PROCESSING and the final outcome.
// Cancelled or already-claimed submissions are skipped.
func (d *AsyncDispatcher) run(ctx context.Context, asyncID string, cmd Command) error {
	record, err := d.statuses.Get(ctx, asyncID)
	if err != nil {
		return err
	}
	if record == nil || record.Status != store.AsyncPending {
		return nil
	}
	if err := d.statuses.SetStatus(ctx, asyncID, store.AsyncProcessing, nil, ""); err != nil {
		return err
	}

	result, dispatchErr := d.bus.Dispatch(ctx, cmd)
	if dispatchErr != nil {
		return d.statuses.SetStatus(ctx, asyncID, store.AsyncFailed, nil, dispatchErr.Error())
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return d.statuses.SetStatus(ctx, asyncID, store.AsyncFailed, nil,
			fmt.Sprintf("encode result: %v", err))
	}
	return d.statuses.SetStatus(ctx, asyncID, store.AsyncCompleted, encoded, "")
}

// InlineStrategy executes submissions in-process, off the caller's
// goroutine. Status transitions are still recorded through the store.
type InlineStrategy struct{}

func (InlineStrategy) Submit(_ context.Context, d *AsyncDispatcher, asyncID string, cmd Command) error {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		// The submitting request may finish first; the execution carries
		// its own lifetime.
		if err := d.run(context.Background(), asyncID, cmd); err != nil {
			d.logger.Error("async command execution failed",
				slog.String("async_id", asyncID),
				slog.String("command_type", cmd.CommandType()),
				slog.Any("error", err))
		}
	}()
	return nil
}

// asyncJob is the queue payload for queued submissions.
type asyncJob struct {
	AsyncID     string          `json:"async_id"`
	CommandType string          `json:"command_type"`
	Command     json.RawMessage `json:"command"`
}

// QueueStrategy submits commands as durable jobs. A worker started with
// StartWorker consumes them, so execution survives process restarts.
type QueueStrategy struct {
	Queue queue.Queue
}

func (s QueueStrategy) Submit(ctx context.Context, _ *AsyncDispatcher, asyncID string, cmd Command) error {
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	payload, err := json.Marshal(asyncJob{
		AsyncID:     asyncID,
		CommandType: cmd.CommandType(),
		Command:     encoded,
	})
	if err != nil {
		return err
	}
	return s.Queue.EnqueueWithID(ctx, asyncID, JobKindAsyncCommand, payload)
}

// StartWorker subscribes to the async command job kind and executes
// incoming submissions through the bus.
func (d *AsyncDispatcher) StartWorker(q queue.Queue) (queue.Subscription, error) {
	return q.Subscribe(JobKindAsyncCommand, func(ctx context.Context, job *queue.Job) error {
		var payload asyncJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode async job: %w", err)
		}
		d.mu.RLock()
		decoder, ok := d.decoders[payload.CommandType]
		d.mu.RUnlock()
		if !ok {
			return d.statuses.SetStatus(ctx, payload.AsyncID, store.AsyncFailed, nil,
				fmt.Sprintf("no decoder for command type %q", payload.CommandType))
		}
		cmd, err := decoder(payload.Command)
		if err != nil {
			return d.statuses.SetStatus(ctx, payload.AsyncID, store.AsyncFailed, nil,
				fmt.Sprintf("decode command: %v", err))
		}
		return d.run(ctx, payload.AsyncID, cmd)
	})
}
