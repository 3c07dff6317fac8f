package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// ReadModelStore implements store.ReadModelStore using SQLite.
type ReadModelStore struct {
	db *sql.DB
}

// NewReadModelStore creates a SQLite-backed read model store.
func NewReadModelStore(db *sql.DB) *ReadModelStore {
	return &ReadModelStore{db: db}
}

// Save inserts or replaces a read model.
func (s *ReadModelStore) Save(ctx context.Context, model *store.ReadModel) error {
	if model.LastUpdated.IsZero() {
		model.LastUpdated = domain.Now()
	}
	metadataJSON, err := json.Marshal(model.Metadata)
	if err != nil {
		return fmt.Errorf("save read model: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO read_models (id, type, data, version, last_updated, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		model.ID, model.Type, model.Data, model.Version, toMicros(model.LastUpdated), string(metadataJSON))
	return wrapStorageErr("save read model", err)
}

// Get retrieves a read model by id and type. Returns nil if absent.
func (s *ReadModelStore) Get(ctx context.Context, id, modelType string) (*store.ReadModel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, data, version, last_updated, metadata
		 FROM read_models WHERE id = ? AND type = ?`, id, modelType)
	model, err := scanReadModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr("get read model", err)
	}
	return model, nil
}

// GetByType returns read models of one type, ordered by id.
func (s *ReadModelStore) GetByType(ctx context.Context, modelType string, limit, offset int) ([]*store.ReadModel, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, data, version, last_updated, metadata
		 FROM read_models WHERE type = ? ORDER BY id LIMIT ? OFFSET ?`,
		modelType, limit, offset)
	if err != nil {
		return nil, wrapStorageErr("get read models by type", err)
	}
	defer rows.Close()

	var models []*store.ReadModel
	for rows.Next() {
		model, err := scanReadModel(rows)
		if err != nil {
			return nil, wrapStorageErr("get read models by type: scan", err)
		}
		models = append(models, model)
	}
	return models, rows.Err()
}

// Delete removes a read model.
func (s *ReadModelStore) Delete(ctx context.Context, id, modelType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM read_models WHERE id = ? AND type = ?`, id, modelType)
	return wrapStorageErr("delete read model", err)
}

// DeleteByType removes every read model of one type.
func (s *ReadModelStore) DeleteByType(ctx context.Context, modelType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM read_models WHERE type = ?`, modelType)
	return wrapStorageErr("delete read models by type", err)
}

func scanReadModel(row rowScanner) (*store.ReadModel, error) {
	var (
		model        store.ReadModel
		lastUpdated  int64
		metadataJSON sql.NullString
	)
	if err := row.Scan(&model.ID, &model.Type, &model.Data, &model.Version, &lastUpdated, &metadataJSON); err != nil {
		return nil, err
	}
	model.LastUpdated = fromMicros(lastUpdated)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &model.Metadata); err != nil {
			return nil, fmt.Errorf("decode read model metadata: %w", err)
		}
	}
	return &model, nil
}
