package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	es, err := NewEventStore(WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return es
}

func makeEvents(aggregateID domain.AggregateID, fromVersion int64, eventTypes ...string) []*domain.Event {
	events := make([]*domain.Event, len(eventTypes))
	for i, eventType := range eventTypes {
		events[i] = &domain.Event{
			ID:            domain.NewEventID(),
			AggregateID:   aggregateID,
			AggregateType: "Account",
			EventType:     eventType,
			EventVersion:  1,
			Version:       fromVersion + int64(i),
			OccurredAt:    domain.Now(),
			Payload:       []byte(`{"amount":100}`),
		}
	}
	return events
}
