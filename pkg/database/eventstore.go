package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/neonharbour/sentinel/pkg/models"
	"github.com/neonharbour/sentinel/pkg/store"
)

// EventStore is the Postgres-backed store.EventStore: the durable per-run
// event log with the (tenant_id, run_id, sequence) unique index enforcing
// gap-free server-side sequencing.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates the durable event log over the client's pool.
func NewEventStore(client *Client) *EventStore {
	return &EventStore{db: client.DB()}
}

var _ store.EventStore = (*EventStore)(nil)

// AppendEvent persists one event; a sequence collision surfaces as
// store.ErrDuplicateSequence.
func (s *EventStore) AppendEvent(ctx context.Context, tenantID, runID string, event *models.Event) error {
	params, err := json.Marshal(event.Params)
	if err != nil {
		return fmt.Errorf("marshaling event params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (tenant_id, run_id, sequence, method, params) VALUES ($1, $2, $3, $4, $5)`,
		tenantID, runID, event.Params.Sequence, event.Method, params)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicateSequence
		}
		return fmt.Errorf("inserting event seq %d for run %s: %w",
			event.Params.Sequence, runID, err)
	}
	return nil
}

// ListEvents returns events with sequence > fromSequence in order.
func (s *EventStore) ListEvents(ctx context.Context, tenantID, runID string, fromSequence int64, limit int) ([]*models.Event, error) {
	query := `SELECT method, params FROM events
		WHERE tenant_id = $1 AND run_id = $2 AND sequence > $3
		ORDER BY sequence ASC`
	args := []any{tenantID, runID, fromSequence}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Event
	for rows.Next() {
		var method string
		var rawParams []byte
		if err := rows.Scan(&method, &rawParams); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		event := &models.Event{Method: method}
		if err := json.Unmarshal(rawParams, &event.Params); err != nil {
			return nil, fmt.Errorf("unmarshaling event params: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// LastSequence returns the highest persisted sequence for the run, 0 when
// the run has no events.
func (s *EventStore) LastSequence(ctx context.Context, tenantID, runID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE tenant_id = $1 AND run_id = $2`,
		tenantID, runID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("querying last sequence for run %s: %w", runID, err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Int64, nil
}
