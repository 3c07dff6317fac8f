package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/queue"
)

// JobKindProjectionEvent is the queue kind for async projection dispatch.
const JobKindProjectionEvent = "projection-event"

// Strategy decides how freshly appended events reach the projection
// manager. Higher priority strategies claim matching events first.
type Strategy interface {
	Name() string
	Priority() int

	// Matches reports whether the strategy claims events of this type.
	// Patterns are globs, e.g. "account.*".
	Matches(eventType string) bool

	// Dispatch hands claimed events to the strategy.
	Dispatch(ctx context.Context, events []*domain.Event) error
}

// matchPatterns is glob matching shared by the strategies. An empty
// pattern list matches everything.
func matchPatterns(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, eventType); err == nil && ok {
			return true
		}
	}
	return false
}

// Realtime applies projections inline, on the appending goroutine's
// post-commit path. Priority 100.
type Realtime struct {
	Manager  *Manager
	Patterns []string
}

func (s *Realtime) Name() string  { return "realtime" }
func (s *Realtime) Priority() int { return 100 }

func (s *Realtime) Matches(eventType string) bool {
	return matchPatterns(s.Patterns, eventType)
}

func (s *Realtime) Dispatch(ctx context.Context, events []*domain.Event) error {
	for _, event := range events {
		if err := s.Manager.ProcessEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// projectionJob is the queue payload for async dispatch. The event envelope
// alone does not carry the sequence number, so it rides alongside.
type projectionJob struct {
	Sequence      int64         `json:"sequence"`
	Version       int64         `json:"version"`
	AggregateType string        `json:"aggregate_type"`
	Event         *domain.Event `json:"event"`
}

// Async enqueues one durable job per event. Priority 50.
type Async struct {
	Queue    queue.Queue
	Patterns []string
}

func (s *Async) Name() string  { return "async" }
func (s *Async) Priority() int { return 50 }

func (s *Async) Matches(eventType string) bool {
	return matchPatterns(s.Patterns, eventType)
}

func (s *Async) Dispatch(ctx context.Context, events []*domain.Event) error {
	for _, event := range events {
		payload, err := json.Marshal(projectionJob{
			Sequence:      event.SequenceNumber,
			Version:       event.Version,
			AggregateType: event.AggregateType,
			Event:         event,
		})
		if err != nil {
			return fmt.Errorf("encode projection job: %w", err)
		}
		if err := s.Queue.EnqueueWithID(ctx, event.ID, JobKindProjectionEvent, payload); err != nil {
			return err
		}
	}
	return nil
}

// StartWorker consumes async projection jobs and feeds them to the manager.
func StartWorker(q queue.Queue, manager *Manager) (queue.Subscription, error) {
	return q.Subscribe(JobKindProjectionEvent, func(ctx context.Context, job *queue.Job) error {
		var payload projectionJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode projection job: %w", err)
		}
		event := payload.Event
		event.SequenceNumber = payload.Sequence
		event.Version = payload.Version
		event.AggregateType = payload.AggregateType
		return manager.ProcessEvent(ctx, event)
	})
}

// Batched buffers events in a shared bucket and flushes them to the
// manager when the bucket fills or ages out. Priority 25.
type Batched struct {
	Manager  *Manager
	Patterns []string
	MaxSize  int
	MaxAge   time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	bucket  []*domain.Event
	oldest  time.Time
	flushes uint64
}

const (
	defaultBatchMaxSize = 50
	defaultBatchMaxAge  = time.Second
)

func (s *Batched) Name() string  { return "batched" }
func (s *Batched) Priority() int { return 25 }

func (s *Batched) Matches(eventType string) bool {
	return matchPatterns(s.Patterns, eventType)
}

func (s *Batched) Dispatch(ctx context.Context, events []*domain.Event) error {
	s.mu.Lock()
	if len(s.bucket) == 0 {
		s.oldest = domain.Now()
	}
	s.bucket = append(s.bucket, events...)
	full := len(s.bucket) >= s.maxSize()
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the bucket through the manager.
func (s *Batched) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.bucket
	s.bucket = nil
	s.flushes++
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	for _, event := range batch {
		if err := s.Manager.ProcessEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// FlushExpired flushes the bucket when its oldest event exceeds MaxAge.
// Called by the periodic sweep.
func (s *Batched) FlushExpired(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	expired := len(s.bucket) > 0 && now.Sub(s.oldest) >= s.maxAge()
	s.mu.Unlock()
	if !expired {
		return nil
	}
	return s.Flush(ctx)
}

// Pending returns the buffered event count.
func (s *Batched) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bucket)
}

func (s *Batched) maxSize() int {
	if s.MaxSize > 0 {
		return s.MaxSize
	}
	return defaultBatchMaxSize
}

func (s *Batched) maxAge() time.Duration {
	if s.MaxAge > 0 {
		return s.MaxAge
	}
	return defaultBatchMaxAge
}

// Router offers appended events to the registered strategies. Each event
// goes to the highest-priority strategy whose patterns match its type;
// unmatched events are left for the periodic drain.
type Router struct {
	mu         sync.RWMutex
	strategies []Strategy
}

// NewRouter creates a strategy router.
func NewRouter(strategies ...Strategy) *Router {
	r := &Router{}
	for _, s := range strategies {
		r.Add(s)
	}
	return r
}

// Add registers a strategy, keeping the set ordered by priority descending.
func (r *Router) Add(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() > r.strategies[j].Priority()
	})
}

// Offer routes the events. Events are grouped per claiming strategy so each
// strategy sees one Dispatch call.
func (r *Router) Offer(ctx context.Context, events []*domain.Event) error {
	r.mu.RLock()
	strategies := make([]Strategy, len(r.strategies))
	copy(strategies, r.strategies)
	r.mu.RUnlock()

	grouped := make(map[Strategy][]*domain.Event)
	for _, event := range events {
		for _, s := range strategies {
			if s.Matches(event.EventType) {
				grouped[s] = append(grouped[s], event)
				break
			}
		}
	}
	for _, s := range strategies {
		batch := grouped[s]
		if len(batch) == 0 {
			continue
		}
		if err := s.Dispatch(ctx, batch); err != nil {
			return fmt.Errorf("projection dispatch via %s: %w", s.Name(), err)
		}
	}
	return nil
}
