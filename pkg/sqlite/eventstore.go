package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/theaddresstech/modular-ddd/pkg/domain"
	"github.com/theaddresstech/modular-ddd/pkg/store"
)

// EventStore is the SQLite-backed durable (warm) event log.
//
// The AUTOINCREMENT primary key assigns the global sequence_number that
// defines projection ordering; the UNIQUE(aggregate_id, version) constraint
// enforces optimistic concurrency at the point of durable insertion.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new SQLite event store with the given options.
//
//	// In-memory database for testing
//	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
func NewEventStore(opts ...Option) (*EventStore, error) {
	db, err := Open(opts...)
	if err != nil {
		return nil, err
	}
	return &EventStore{db: db}, nil
}

// NewEventStoreWithDB wraps an existing database connection.
// The caller owns the connection lifecycle.
func NewEventStoreWithDB(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// DB returns the underlying database connection so that co-located stores
// (snapshots, checkpoints, read models) can share it.
func (s *EventStore) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *EventStore) Close() error { return s.db.Close() }

// Append appends events atomically with optimistic concurrency.
func (s *EventStore) Append(ctx context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64) error {
	if len(events) == 0 {
		return nil
	}
	if expectedVersion < 0 {
		return domain.ErrInvalidVersion
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr("append: begin", err)
	}
	defer tx.Rollback()

	current, err := aggregateVersionTx(ctx, tx, aggregateID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return &domain.ConcurrencyError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	if err := insertEvents(ctx, tx, aggregateID, events, expectedVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStorageErr("append: commit", err)
	}
	return nil
}

// AppendIdempotent appends events, remembering the command ID for ttl.
// A repeated command ID returns the original result without appending.
func (s *EventStore) AppendIdempotent(ctx context.Context, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64, commandID string, ttl time.Duration) (*store.CommandRecord, error) {
	if commandID == "" {
		return nil, fmt.Errorf("append idempotent: empty command id")
	}
	if len(events) == 0 {
		return &store.CommandRecord{CommandID: commandID, AggregateID: aggregateID}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapStorageErr("append idempotent: begin", err)
	}
	defer tx.Rollback()

	if rec, err := commandResultTx(ctx, tx, commandID); err != nil {
		return nil, err
	} else if rec != nil {
		rec.AlreadyProcessed = true
		return rec, nil
	}

	current, err := aggregateVersionTx(ctx, tx, aggregateID)
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return nil, &domain.ConcurrencyError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	if err := insertEvents(ctx, tx, aggregateID, events, expectedVersion); err != nil {
		return nil, err
	}

	eventIDs := make([]string, len(events))
	for i, evt := range events {
		eventIDs[i] = evt.ID
	}
	idsJSON, _ := json.Marshal(eventIDs)
	now := domain.Now()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processed_commands (command_id, aggregate_id, event_ids, processed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		commandID, aggregateID.String(), string(idsJSON), toMicros(now), toMicros(now.Add(ttl)))
	if err != nil {
		return nil, wrapStorageErr("append idempotent: record command", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorageErr("append idempotent: commit", err)
	}
	return &store.CommandRecord{
		CommandID:   commandID,
		AggregateID: aggregateID,
		EventIDs:    eventIDs,
		ProcessedAt: now,
	}, nil
}

// CommandResult retrieves the result of a previously processed command.
func (s *EventStore) CommandResult(ctx context.Context, commandID string) (*store.CommandRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, wrapStorageErr("command result: begin", err)
	}
	defer tx.Rollback()
	rec, err := commandResultTx(ctx, tx, commandID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rec.AlreadyProcessed = true
	}
	return rec, nil
}

func commandResultTx(ctx context.Context, tx *sql.Tx, commandID string) (*store.CommandRecord, error) {
	var (
		aggregateID string
		idsJSON     string
		processedAt int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT aggregate_id, event_ids, processed_at FROM processed_commands
		 WHERE command_id = ? AND expires_at > ?`,
		commandID, toMicros(domain.Now())).Scan(&aggregateID, &idsJSON, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr("command result: query", err)
	}
	var eventIDs []string
	if err := json.Unmarshal([]byte(idsJSON), &eventIDs); err != nil {
		return nil, fmt.Errorf("command result: decode event ids: %w", err)
	}
	return &store.CommandRecord{
		CommandID:   commandID,
		AggregateID: domain.AggregateID(aggregateID),
		EventIDs:    eventIDs,
		ProcessedAt: fromMicros(processedAt),
	}, nil
}

func aggregateVersionTx(ctx context.Context, tx *sql.Tx, aggregateID domain.AggregateID) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM event_store WHERE aggregate_id = ?`,
		aggregateID.String()).Scan(&version)
	if err != nil {
		return 0, wrapStorageErr("aggregate version", err)
	}
	return version, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, aggregateID domain.AggregateID, events []*domain.Event, expectedVersion int64) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO event_store (event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapStorageErr("append: prepare", err)
	}
	defer stmt.Close()

	for i, evt := range events {
		wantVersion := expectedVersion + int64(i) + 1
		if evt.Version != wantVersion {
			return fmt.Errorf("%w: event %d carries version %d, want %d",
				domain.ErrInvalidVersion, i, evt.Version, wantVersion)
		}
		metadataJSON, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("append: encode metadata: %w", err)
		}
		occurredAt := evt.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = domain.Now()
		}
		res, err := stmt.ExecContext(ctx,
			evt.ID, aggregateID.String(), evt.AggregateType, evt.EventType, evt.EventVersion,
			evt.Payload, string(metadataJSON), evt.Version, toMicros(occurredAt))
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return &domain.ConcurrencyError{
					AggregateID:     aggregateID,
					ExpectedVersion: expectedVersion,
					ActualVersion:   evt.Version,
				}
			}
			return wrapStorageErr("append: insert", err)
		}
		if seq, err := res.LastInsertId(); err == nil {
			evt.SequenceNumber = seq
		}
	}
	return nil
}

// Load returns events for one aggregate ordered by version ascending.
func (s *EventStore) Load(ctx context.Context, aggregateID domain.AggregateID, fromVersion, toVersion int64) (domain.EventStream, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	query := `SELECT sequence_number, event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, occurred_at
		FROM event_store WHERE aggregate_id = ? AND version >= ?`
	args := []any{aggregateID.String(), fromVersion}
	if toVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, toVersion)
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.EmptyStream(), wrapStorageErr("load", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return domain.EmptyStream(), err
	}
	return domain.NewEventStream(events), nil
}

// LoadBatch loads several aggregates in a single round trip.
// Absent aggregates map to empty streams.
func (s *EventStore) LoadBatch(ctx context.Context, ids []domain.AggregateID, fromVersion, toVersion int64) (map[domain.AggregateID]domain.EventStream, error) {
	result := make(map[domain.AggregateID]domain.EventStream, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	for _, id := range ids {
		result[id] = domain.EmptyStream()
	}

	query := `SELECT sequence_number, event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, occurred_at
		FROM event_store WHERE aggregate_id IN (` + placeholders(len(ids)) + `) AND version >= ?`
	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id.String())
	}
	args = append(args, fromVersion)
	if toVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, toVersion)
	}
	query += ` ORDER BY aggregate_id, version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorageErr("load batch", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	grouped := make(map[domain.AggregateID][]*domain.Event)
	for _, evt := range events {
		grouped[evt.AggregateID] = append(grouped[evt.AggregateID], evt)
	}
	for id, evts := range grouped {
		result[id] = domain.NewEventStream(evts)
	}
	return result, nil
}

// AggregateExists reports whether any events exist for the aggregate.
func (s *EventStore) AggregateExists(ctx context.Context, aggregateID domain.AggregateID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_store WHERE aggregate_id = ? LIMIT 1`, aggregateID.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapStorageErr("aggregate exists", err)
	}
	return true, nil
}

// AggregateExistsBatch is the batch form of AggregateExists.
func (s *EventStore) AggregateExistsBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]bool, error) {
	result := make(map[domain.AggregateID]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	for _, id := range ids {
		result[id] = false
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT aggregate_id FROM event_store WHERE aggregate_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, wrapStorageErr("aggregate exists batch", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapStorageErr("aggregate exists batch: scan", err)
		}
		result[domain.AggregateID(id)] = true
	}
	return result, rows.Err()
}

// AggregateVersion returns the current highest version (0 if none).
func (s *EventStore) AggregateVersion(ctx context.Context, aggregateID domain.AggregateID) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM event_store WHERE aggregate_id = ?`,
		aggregateID.String()).Scan(&version)
	if err != nil {
		return 0, wrapStorageErr("aggregate version", err)
	}
	return version, nil
}

// AggregateVersionsBatch is the batch form of AggregateVersion.
func (s *EventStore) AggregateVersionsBatch(ctx context.Context, ids []domain.AggregateID) (map[domain.AggregateID]int64, error) {
	result := make(map[domain.AggregateID]int64, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	for _, id := range ids {
		result[id] = 0
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_id, MAX(version) FROM event_store
		 WHERE aggregate_id IN (`+placeholders(len(ids))+`) GROUP BY aggregate_id`, args...)
	if err != nil {
		return nil, wrapStorageErr("aggregate versions batch", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      string
			version int64
		)
		if err := rows.Scan(&id, &version); err != nil {
			return nil, wrapStorageErr("aggregate versions batch: scan", err)
		}
		result[domain.AggregateID(id)] = version
	}
	return result, rows.Err()
}

// LoadEventsByType returns events of one type ordered by sequence number.
func (s *EventStore) LoadEventsByType(ctx context.Context, eventType string, limit, offset int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence_number, event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, occurred_at
		 FROM event_store WHERE event_type = ? ORDER BY sequence_number ASC LIMIT ? OFFSET ?`,
		eventType, limit, offset)
	if err != nil {
		return nil, wrapStorageErr("load events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LoadEventsFromSequence returns up to limit events with sequence numbers
// strictly greater than fromSequence.
func (s *EventStore) LoadEventsFromSequence(ctx context.Context, fromSequence int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence_number, event_id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, version, occurred_at
		 FROM event_store WHERE sequence_number > ? ORDER BY sequence_number ASC LIMIT ?`,
		fromSequence, limit)
	if err != nil {
		return nil, wrapStorageErr("load events from sequence", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestSequence returns the highest sequence number in the store.
func (s *EventStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM event_store`).Scan(&seq)
	if err != nil {
		return 0, wrapStorageErr("latest sequence", err)
	}
	return seq, nil
}

// Stats returns statistics about the event store.
func (s *EventStore) Stats(ctx context.Context) (*store.EventStoreStats, error) {
	var (
		stats          store.EventStoreStats
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT aggregate_id), COALESCE(MAX(sequence_number), 0),
		        MIN(occurred_at), MAX(occurred_at)
		 FROM event_store`).Scan(&stats.TotalEvents, &stats.TotalAggregates, &stats.LatestSequence, &oldest, &newest)
	if err != nil {
		return nil, wrapStorageErr("stats", err)
	}
	if oldest.Valid {
		stats.OldestEvent = fromMicros(oldest.Int64)
	}
	if newest.Valid {
		stats.NewestEvent = fromMicros(newest.Int64)
	}
	return &stats, nil
}

// PurgeExpiredCommands removes processed-command records past their TTL.
func (s *EventStore) PurgeExpiredCommands(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_commands WHERE expires_at <= ?`, toMicros(domain.Now()))
	if err != nil {
		return 0, wrapStorageErr("purge expired commands", err)
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		var (
			evt          domain.Event
			aggregateID  string
			metadataJSON sql.NullString
			occurredAt   int64
		)
		if err := rows.Scan(&evt.SequenceNumber, &evt.ID, &aggregateID, &evt.AggregateType,
			&evt.EventType, &evt.EventVersion, &evt.Payload, &metadataJSON, &evt.Version, &occurredAt); err != nil {
			return nil, wrapStorageErr("scan event", err)
		}
		evt.AggregateID = domain.AggregateID(aggregateID)
		evt.OccurredAt = fromMicros(occurredAt)
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &evt.Metadata); err != nil {
				return nil, fmt.Errorf("scan event: decode metadata: %w", err)
			}
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
