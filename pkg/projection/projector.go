// Package projection advances read models from the durable event log.
// Each projector tracks its own checkpoint against the global sequence;
// dispatch strategies decide whether fresh events reach projectors inline,
// through the durable queue, or in batches.
package projection

import (
	"context"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

// Projector applies events to one read model.
//
// A projector's position and lock are managed by the Manager through the
// checkpoint store; implementations only transform events into read-model
// writes and clear them on Reset.
type Projector interface {
	// Name identifies the projection; it keys the checkpoint and lock.
	Name() string

	// HandledEvents lists the event types this projector consumes.
	HandledEvents() []string

	// CanHandle reports whether the projector consumes this event.
	CanHandle(event *domain.Event) bool

	// Handle applies one event to the read model.
	Handle(ctx context.Context, event *domain.Event) error

	// Reset clears the read model for a full rebuild.
	Reset(ctx context.Context) error
}

// TypeMatcher implements CanHandle by event-type membership. Embed it to
// avoid repeating the loop in every projector.
type TypeMatcher struct {
	Types []string
}

func (m TypeMatcher) HandledEvents() []string { return m.Types }

func (m TypeMatcher) CanHandle(event *domain.Event) bool {
	for _, t := range m.Types {
		if t == event.EventType {
			return true
		}
	}
	return false
}
