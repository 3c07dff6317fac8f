// Package commandbus dispatches commands to registered handlers through a
// prioritized middleware pipeline, with an outer retry decorator for
// transient failures and asynchronous submission with durable status
// tracking.
package commandbus

import (
	"context"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Command is a state-changing message routed to exactly one handler.
type Command interface {
	// CommandType is the stable routing tag, e.g. "account.open".
	CommandType() string

	// AggregateID identifies the aggregate the command targets.
	AggregateID() domain.AggregateID
}

// MetadataCarrier is optionally implemented by commands that carry
// key-value metadata (command id for idempotency, transaction opt-out,
// tracing baggage). Middlewares consult it when present.
type MetadataCarrier interface {
	Metadata() map[string]string
}

// CommandMetadata returns the command's metadata, nil when it carries none.
func CommandMetadata(cmd Command) map[string]string {
	if carrier, ok := cmd.(MetadataCarrier); ok {
		return carrier.Metadata()
	}
	return nil
}

// Handler executes one command type.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (any, error) {
	return f(ctx, cmd)
}

// Next invokes the rest of the pipeline.
type Next func(ctx context.Context, cmd Command) (any, error)

// Middleware wraps command execution. Higher priority runs first; ordering
// among equal priorities is registration order.
type Middleware interface {
	Priority() int

	// ShouldProcess lets a middleware skip commands it does not apply to.
	ShouldProcess(cmd Command) bool

	Handle(ctx context.Context, cmd Command, next Next) (any, error)
}
