package store

import (
	"context"
	"time"
)

// ReadModel is a denormalized view derived from events.
// Version tracks the highest aggregate version projected into it.
// Read models may be rebuilt at any time.
type ReadModel struct {
	ID          string
	Type        string
	Data        []byte
	Version     int64
	LastUpdated time.Time
	Metadata    map[string]string
}

// ReadModelStore persists read models.
type ReadModelStore interface {
	// Save inserts or replaces a read model.
	Save(ctx context.Context, model *ReadModel) error

	// Get retrieves a read model by id and type. Returns nil if absent.
	Get(ctx context.Context, id, modelType string) (*ReadModel, error)

	// GetByType returns read models of one type, ordered by id.
	GetByType(ctx context.Context, modelType string, limit, offset int) ([]*ReadModel, error)

	// Delete removes a read model.
	Delete(ctx context.Context, id, modelType string) error

	// DeleteByType removes every read model of one type (for rebuilds).
	DeleteByType(ctx context.Context, modelType string) error
}
