package domain

// EventStream is a finite, ordered sequence of events for one aggregate.
// Streams are cheap value wrappers over a slice; all transformations return
// a new stream and leave the receiver untouched.
type EventStream struct {
	events []*Event
}

// NewEventStream creates a stream over the given events. The slice is
// retained, not copied; callers must not mutate it afterwards.
func NewEventStream(events []*Event) EventStream {
	return EventStream{events: events}
}

// EmptyStream returns a stream with no events.
func EmptyStream() EventStream {
	return EventStream{}
}

// Len returns the number of events in the stream.
func (s EventStream) Len() int { return len(s.events) }

// IsEmpty reports whether the stream has no events.
func (s EventStream) IsEmpty() bool { return len(s.events) == 0 }

// Events returns the underlying event slice in order.
func (s EventStream) Events() []*Event { return s.events }

// At returns the event at index i.
func (s EventStream) At(i int) *Event { return s.events[i] }

// First returns the first event, or nil for an empty stream.
func (s EventStream) First() *Event {
	if len(s.events) == 0 {
		return nil
	}
	return s.events[0]
}

// Last returns the last event, or nil for an empty stream.
func (s EventStream) Last() *Event {
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

// Version returns the aggregate version of the last event, or 0.
func (s EventStream) Version() int64 {
	last := s.Last()
	if last == nil {
		return 0
	}
	return last.Version
}

// FilterByType returns a stream containing only events of the given types.
func (s EventStream) FilterByType(eventTypes ...string) EventStream {
	if len(eventTypes) == 0 {
		return s
	}
	want := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		want[t] = struct{}{}
	}
	filtered := make([]*Event, 0, len(s.events))
	for _, evt := range s.events {
		if _, ok := want[evt.EventType]; ok {
			filtered = append(filtered, evt)
		}
	}
	return EventStream{events: filtered}
}

// Limit returns a stream with at most n events from the front.
func (s EventStream) Limit(n int) EventStream {
	if n < 0 {
		n = 0
	}
	if n >= len(s.events) {
		return s
	}
	return EventStream{events: s.events[:n]}
}

// Skip returns a stream without the first n events.
func (s EventStream) Skip(n int) EventStream {
	if n <= 0 {
		return s
	}
	if n >= len(s.events) {
		return EventStream{}
	}
	return EventStream{events: s.events[n:]}
}

// Reverse returns a stream with the events in reverse order.
func (s EventStream) Reverse() EventStream {
	reversed := make([]*Event, len(s.events))
	for i, evt := range s.events {
		reversed[len(s.events)-1-i] = evt
	}
	return EventStream{events: reversed}
}
