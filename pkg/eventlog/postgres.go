package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
)

// appendRetries bounds the optimistic retry loop on sequence collisions.
const appendRetries = 5

// PostgresStore is the durable event log backed by PostgreSQL. Sequence
// allocation happens inside the insert transaction under the unique
// (project_id, sequence) constraint: two concurrent writers to the same
// project collide on the constraint and the loser retries with the next
// number, which keeps the sequence gapless without advisory locks.
type PostgresStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewPostgresStore creates the store and ensures its schema exists.
func NewPostgresStore(ctx context.Context, db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewStandardLogger("eventlog")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	s := &PostgresStore{db: db, logger: logger, metrics: metrics}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			project_id  TEXT        NOT NULL,
			sequence    BIGINT      NOT NULL,
			tenant_id   TEXT        NOT NULL DEFAULT '',
			event_type  TEXT        NOT NULL,
			data        JSONB       NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (project_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(project_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, projectID, eventType string, data map[string]interface{}) (int64, error) {
	if projectID == "" {
		return 0, ErrEmptyProject
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event data: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		var seq int64
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO events (project_id, sequence, event_type, data)
			SELECT $1, COALESCE(MAX(sequence), 0) + 1, $2, $3
			FROM events WHERE project_id = $1
			RETURNING sequence
		`, projectID, eventType, raw).Scan(&seq)
		if err == nil {
			s.metrics.RecordOperation("eventlog", "append", true, time.Since(start).Seconds(), nil)
			return seq, nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost the race for this sequence number; take the next one.
			lastErr = err
			continue
		}
		s.metrics.RecordOperation("eventlog", "append", false, time.Since(start).Seconds(), nil)
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	s.metrics.RecordOperation("eventlog", "append", false, time.Since(start).Seconds(), nil)
	return 0, fmt.Errorf("failed to append event after %d attempts: %w", appendRetries, lastErr)
}

// ReadSince implements Store.
func (s *PostgresStore) ReadSince(ctx context.Context, projectID string, since int64, limit int) ([]models.Event, error) {
	if projectID == "" {
		return nil, ErrEmptyProject
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, sequence, tenant_id, event_type, data, created_at
		FROM events
		WHERE project_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, projectID, since, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.Event
	for rows.Next() {
		var (
			ev  models.Event
			raw []byte
		)
		if err := rows.Scan(&ev.ProjectID, &ev.Sequence, &ev.TenantID, &ev.EventType, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event %d data: %w", ev.Sequence, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Length implements Store.
func (s *PostgresStore) Length(ctx context.Context, projectID string) (int64, error) {
	if projectID == "" {
		return 0, ErrEmptyProject
	}
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE project_id = $1`, projectID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// DeleteBefore implements Store.
func (s *PostgresStore) DeleteBefore(ctx context.Context, projectID string, cutoffSequence int64) (int64, error) {
	if projectID == "" {
		return 0, ErrEmptyProject
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE project_id = $1 AND sequence < $2`, projectID, cutoffSequence)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Trimmed event log", map[string]interface{}{
			"project_id": projectID,
			"deleted":    n,
		})
	}
	return n, nil
}

// Projects implements Store.
func (s *PostgresStore) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM events ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
