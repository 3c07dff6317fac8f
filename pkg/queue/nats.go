package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/theaddresstech/modular-ddd/pkg/idgen"
)

const (
	defaultStream    = "MODULAR_JOBS"
	defaultDLQStream = "MODULAR_JOBS_DLQ"
	jobSubjectPrefix = "jobs."
	dlqSubjectPrefix = "deadletter."

	reasonHeader = "Job-Failure-Reason"
)

// NATSQueue is the JetStream-backed durable job queue. Jobs are published to
// a work-queue stream; each kind gets a durable pull of its own subject with
// a visibility timeout (AckWait) and bounded redelivery. Jobs that exhaust
// their attempts are re-published to the dead-letter stream and terminated.
type NATSQueue struct {
	js         nats.JetStreamContext
	logger     *slog.Logger
	maxDeliver int
	ackWait    time.Duration
	retryDelay time.Duration
	subs       []*nats.Subscription
}

// NATSOption configures a NATSQueue.
type NATSOption func(*NATSQueue)

// WithNATSMaxDeliver bounds delivery attempts per job. Default 3.
func WithNATSMaxDeliver(n int) NATSOption {
	return func(q *NATSQueue) { q.maxDeliver = n }
}

// WithAckWait sets the visibility timeout: an unacknowledged job is
// redelivered after this long. Default 30s.
func WithAckWait(d time.Duration) NATSOption {
	return func(q *NATSQueue) { q.ackWait = d }
}

// WithNATSRetryDelay sets the redelivery delay after a failed attempt.
func WithNATSRetryDelay(d time.Duration) NATSOption {
	return func(q *NATSQueue) { q.retryDelay = d }
}

// WithNATSLogger sets the logger. Defaults to slog.Default().
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(q *NATSQueue) { q.logger = logger }
}

// NewNATSQueue creates the queue over an existing connection, provisioning
// the job and dead-letter streams if they do not exist. The caller owns the
// connection lifecycle.
func NewNATSQueue(nc *nats.Conn, opts ...NATSOption) (*NATSQueue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	q := &NATSQueue{
		js:         js,
		maxDeliver: 3,
		ackWait:    30 * time.Second,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}

	if err := ensureStream(js, &nats.StreamConfig{
		Name:       defaultStream,
		Subjects:   []string{jobSubjectPrefix + ">"},
		Retention:  nats.WorkQueuePolicy,
		Duplicates: 2 * time.Minute,
	}); err != nil {
		return nil, err
	}
	if err := ensureStream(js, &nats.StreamConfig{
		Name:     defaultDLQStream,
		Subjects: []string{dlqSubjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		return nil, err
	}
	return q, nil
}

func ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("add stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Enqueue submits a job with a generated id.
func (q *NATSQueue) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	id := idgen.NewID()
	return id, q.EnqueueWithID(ctx, id, kind, payload)
}

// EnqueueWithID submits a job. The id doubles as the JetStream message id,
// so repeated submissions within the dedupe window collapse to one delivery.
func (q *NATSQueue) EnqueueWithID(ctx context.Context, id, kind string, payload []byte) error {
	_, err := q.js.Publish(jobSubjectPrefix+kind, payload,
		nats.MsgId(id), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// Subscribe starts a durable consumer for one job kind. Multiple runtime
// instances subscribing to the same kind share the work.
func (q *NATSQueue) Subscribe(kind string, handler Handler) (Subscription, error) {
	durable := durableName(kind)
	sub, err := q.js.QueueSubscribe(jobSubjectPrefix+kind, durable,
		func(msg *nats.Msg) { q.dispatch(kind, handler, msg) },
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(q.ackWait),
		nats.MaxDeliver(q.maxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}
	q.subs = append(q.subs, sub)
	return sub, nil
}

func (q *NATSQueue) dispatch(kind string, handler Handler, msg *nats.Msg) {
	job := &Job{
		ID:      msg.Header.Get(nats.MsgIdHdr),
		Kind:    kind,
		Payload: msg.Data,
		Attempt: 1,
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
		job.EnqueuedAt = meta.Timestamp
	}

	err := handler(context.Background(), job)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			q.logger.Warn("job ack failed", slog.String("kind", kind), slog.Any("error", ackErr))
		}
		return
	}

	if job.Attempt >= q.maxDeliver {
		q.deadLetter(kind, job, err)
		if termErr := msg.Term(); termErr != nil {
			q.logger.Warn("job term failed", slog.String("kind", kind), slog.Any("error", termErr))
		}
		return
	}
	if nakErr := msg.NakWithDelay(q.retryDelay); nakErr != nil {
		q.logger.Warn("job nak failed", slog.String("kind", kind), slog.Any("error", nakErr))
	}
}

func (q *NATSQueue) deadLetter(kind string, job *Job, cause error) {
	q.logger.Error("job exhausted delivery attempts",
		slog.String("kind", kind),
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempt),
		slog.Any("error", cause))

	msg := nats.NewMsg(dlqSubjectPrefix + kind)
	msg.Data = job.Payload
	msg.Header.Set(nats.MsgIdHdr, job.ID)
	msg.Header.Set(reasonHeader, cause.Error())
	if _, err := q.js.PublishMsg(msg); err != nil {
		q.logger.Error("dead letter publish failed",
			slog.String("kind", kind), slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// Close drains all subscriptions.
func (q *NATSQueue) Close() error {
	var firstErr error
	for _, sub := range q.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func durableName(kind string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_", " ", "_")
	return "worker_" + r.Replace(kind)
}
