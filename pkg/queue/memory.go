package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/idgen"
)

// MemoryQueue is an in-process Queue for tests and single-node deployments.
// It preserves the at-least-once contract: failed jobs are redelivered up to
// the retry limit, then dead-lettered.
type MemoryQueue struct {
	mu          sync.Mutex
	subscribers map[string][]*memorySubscription
	pending     map[string][]*Job
	deadLetters []DeadLetter
	maxAttempts int
	retryDelay  time.Duration
	wg          sync.WaitGroup
	closed      bool
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithMaxAttempts bounds delivery attempts per job. Default 3.
func WithMaxAttempts(n int) MemoryOption {
	return func(q *MemoryQueue) { q.maxAttempts = n }
}

// WithRetryDelay sets the pause between redeliveries. Default 10ms.
func WithRetryDelay(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.retryDelay = d }
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		subscribers: make(map[string][]*memorySubscription),
		pending:     make(map[string][]*Job),
		maxAttempts: 3,
		retryDelay:  10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type memorySubscription struct {
	queue   *MemoryQueue
	kind    string
	handler Handler
	done    chan struct{}
}

func (s *memorySubscription) Unsubscribe() error {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	s.queue.removeLocked(s)
	return nil
}

func (q *MemoryQueue) removeLocked(sub *memorySubscription) {
	subs := q.subscribers[sub.kind]
	for i, candidate := range subs {
		if candidate == sub {
			q.subscribers[sub.kind] = append(subs[:i], subs[i+1:]...)
			close(sub.done)
			return
		}
	}
}

// Enqueue submits a job with a generated id.
func (q *MemoryQueue) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	id := idgen.NewID()
	return id, q.EnqueueWithID(ctx, id, kind, payload)
}

// EnqueueWithID submits a job and delivers it to one subscriber of its kind.
// With no subscriber yet, the job waits until one subscribes.
func (q *MemoryQueue) EnqueueWithID(_ context.Context, id, kind string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	job := &Job{ID: id, Kind: kind, Payload: payload, EnqueuedAt: domain.Now()}
	subs := q.subscribers[kind]
	if len(subs) == 0 {
		q.pending[kind] = append(q.pending[kind], job)
		return nil
	}

	q.wg.Add(1)
	go q.deliver(subs[0], job)
	return nil
}

func (q *MemoryQueue) deliver(sub *memorySubscription, job *Job) {
	defer q.wg.Done()
	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		select {
		case <-sub.done:
			return
		default:
		}
		job.Attempt = attempt
		if lastErr = sub.handler(context.Background(), job); lastErr == nil {
			return
		}
		time.Sleep(q.retryDelay)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters = append(q.deadLetters, DeadLetter{Job: *job, Reason: lastErr.Error()})
}

// Subscribe starts consuming jobs of one kind.
func (q *MemoryQueue) Subscribe(kind string, handler Handler) (Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, fmt.Errorf("queue closed")
	}
	sub := &memorySubscription{queue: q, kind: kind, handler: handler, done: make(chan struct{})}
	q.subscribers[kind] = append(q.subscribers[kind], sub)
	for _, job := range q.pending[kind] {
		q.wg.Add(1)
		go q.deliver(sub, job)
	}
	delete(q.pending, kind)
	return sub, nil
}

// DeadLetters returns jobs that exhausted their attempts.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}

// Wait blocks until all in-flight jobs settle. Test helper.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}

// Close stops accepting jobs and waits for in-flight deliveries.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	for kind, subs := range q.subscribers {
		for _, sub := range subs {
			close(sub.done)
		}
		delete(q.subscribers, kind)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
