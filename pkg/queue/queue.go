// Package queue defines the durable job contract the runtime uses for
// asynchronous work: async command execution, async projection dispatch and
// other background fan-out.
//
// Delivery is at-least-once. Jobs that keep failing past the retry limit are
// moved to a dead-letter area instead of being redelivered forever.
package queue

import (
	"context"
	"time"
)

// Job is one unit of durable work.
type Job struct {
	// ID uniquely identifies the job (deduplication key).
	ID string

	// Kind routes the job to its subscriber.
	Kind string

	// Payload is the serialized job body.
	Payload []byte

	// Attempt is the 1-based delivery attempt.
	Attempt int

	// EnqueuedAt is when the job was submitted.
	EnqueuedAt time.Time
}

// Handler processes one job. Returning an error triggers redelivery until
// the retry limit, after which the job is dead-lettered.
type Handler func(ctx context.Context, job *Job) error

// Subscription is a running consumer for one job kind.
type Subscription interface {
	// Unsubscribe stops delivery. In-flight jobs finish.
	Unsubscribe() error
}

// Queue is the durable job transport.
type Queue interface {
	// Enqueue submits a job and returns its id.
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)

	// EnqueueWithID submits a job with a caller-chosen id. Queues that
	// support deduplication drop repeated ids within their dedupe window.
	EnqueueWithID(ctx context.Context, id, kind string, payload []byte) error

	// Subscribe starts consuming jobs of one kind.
	Subscribe(kind string, handler Handler) (Subscription, error)

	// Close stops all subscriptions and releases resources.
	Close() error
}

// DeadLetter is a job that exhausted its delivery attempts.
type DeadLetter struct {
	Job    Job
	Reason string
}
