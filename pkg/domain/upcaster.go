package domain

import (
	"fmt"
	"sync"
)

// Upcaster rewrites an event payload from one schema revision to the next.
// Upcasters are applied on load; stored events are never rewritten in place.
type Upcaster interface {
	// EventType returns the event type this upcaster applies to.
	EventType() string

	// FromVersion returns the payload schema revision this upcaster consumes.
	// The produced event carries FromVersion()+1.
	FromVersion() int

	// Upcast rewrites the payload to the next schema revision.
	Upcast(payload []byte) ([]byte, error)
}

// UpcasterRegistry holds upcasters keyed by (event_type, event_version) and
// applies them in sequence until an event reaches the latest known revision.
type UpcasterRegistry struct {
	mu        sync.RWMutex
	upcasters map[string]map[int]Upcaster
}

// NewUpcasterRegistry creates an empty registry.
func NewUpcasterRegistry() *UpcasterRegistry {
	return &UpcasterRegistry{upcasters: make(map[string]map[int]Upcaster)}
}

// Register adds an upcaster. Registering two upcasters for the same
// (event_type, version) pair panics; that is a wiring bug.
func (r *UpcasterRegistry) Register(u Upcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.upcasters[u.EventType()]
	if !ok {
		byVersion = make(map[int]Upcaster)
		r.upcasters[u.EventType()] = byVersion
	}
	if _, exists := byVersion[u.FromVersion()]; exists {
		panic(fmt.Sprintf("upcaster already registered for %s v%d", u.EventType(), u.FromVersion()))
	}
	byVersion[u.FromVersion()] = u
}

// Apply upgrades an event payload through all registered upcasters.
// Events with no applicable upcaster pass through unchanged.
func (r *UpcasterRegistry) Apply(evt *Event) error {
	r.mu.RLock()
	byVersion := r.upcasters[evt.EventType]
	r.mu.RUnlock()

	if byVersion == nil {
		return nil
	}
	for {
		u, ok := byVersion[evt.EventVersion]
		if !ok {
			return nil
		}
		payload, err := u.Upcast(evt.Payload)
		if err != nil {
			return fmt.Errorf("upcast %s v%d: %w", evt.EventType, evt.EventVersion, err)
		}
		evt.Payload = payload
		evt.EventVersion++
	}
}
