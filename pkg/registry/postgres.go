package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
)

// PostgresStore is the durable registry.
type PostgresStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewPostgresStore creates the store and ensures its schema exists.
func NewPostgresStore(ctx context.Context, db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewStandardLogger("registry")
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
		CREATE TABLE IF NOT EXISTS agents (
			project_id         TEXT        NOT NULL,
			agent_id           TEXT        NOT NULL,
			needs              JSONB       NOT NULL,
			delivery_mode      TEXT        NOT NULL,
			delivery_target    TEXT        NOT NULL DEFAULT '',
			webhook_url        TEXT        NOT NULL DEFAULT '',
			webhook_secret     TEXT        NOT NULL DEFAULT '',
			last_seen_sequence BIGINT      NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_active_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (project_id, agent_id)
		);
		CREATE INDEX IF NOT EXISTS idx_agents_last_active ON agents(last_active_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create agents table: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, reg models.AgentRegistration) error {
	if reg.ProjectID == "" {
		return models.NewValidationError("project_id", "must not be empty")
	}
	if reg.AgentID == "" {
		return models.NewValidationError("agent_id", "must not be empty")
	}
	needs, err := json.Marshal(reg.Needs)
	if err != nil {
		return fmt.Errorf("failed to encode needs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (project_id, agent_id, needs, delivery_mode, delivery_target,
			webhook_url, webhook_secret, last_seen_sequence, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (project_id, agent_id) DO UPDATE SET
			needs              = EXCLUDED.needs,
			delivery_mode      = EXCLUDED.delivery_mode,
			delivery_target    = EXCLUDED.delivery_target,
			webhook_url        = EXCLUDED.webhook_url,
			webhook_secret     = EXCLUDED.webhook_secret,
			last_seen_sequence = EXCLUDED.last_seen_sequence,
			last_active_at     = now()
	`, reg.ProjectID, reg.AgentID, needs, string(reg.Delivery), reg.Channel,
		reg.WebhookURL, reg.WebhookSecret, reg.LastSeenSequence)
	if err != nil {
		return fmt.Errorf("failed to save registration %s/%s: %w", reg.ProjectID, reg.AgentID, err)
	}
	return nil
}

const selectColumns = `project_id, agent_id, needs, delivery_mode, delivery_target,
	webhook_url, webhook_secret, last_seen_sequence, created_at, last_active_at`

func scanRegistration(row interface{ Scan(...interface{}) error }) (models.AgentRegistration, error) {
	var (
		reg      models.AgentRegistration
		needs    []byte
		delivery string
	)
	err := row.Scan(&reg.ProjectID, &reg.AgentID, &needs, &delivery, &reg.Channel,
		&reg.WebhookURL, &reg.WebhookSecret, &reg.LastSeenSequence, &reg.CreatedAt, &reg.LastActiveAt)
	if err != nil {
		return models.AgentRegistration{}, err
	}
	reg.Delivery = models.DeliveryMode(delivery)
	if err := json.Unmarshal(needs, &reg.Needs); err != nil {
		return models.AgentRegistration{}, fmt.Errorf("failed to decode needs for %s: %w", reg.AgentID, err)
	}
	return reg, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, projectID, agentID string) (models.AgentRegistration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM agents WHERE project_id = $1 AND agent_id = $2`,
		projectID, agentID)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentRegistration{}, models.ErrNotFound
	}
	if err != nil {
		return models.AgentRegistration{}, fmt.Errorf("failed to get registration: %w", err)
	}
	return reg, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, projectID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE project_id = $1 AND agent_id = $2`, projectID, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListByProject implements Store.
func (s *PostgresStore) ListByProject(ctx context.Context, projectID string) ([]models.AgentRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM agents WHERE project_id = $1 ORDER BY agent_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.AgentRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// AdvanceLastSeen implements Store. The WHERE clause makes the update
// monotonic without a read-modify-write round trip.
func (s *PostgresStore) AdvanceLastSeen(ctx context.Context, projectID, agentID string, seq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_seen_sequence = $3
		WHERE project_id = $1 AND agent_id = $2 AND last_seen_sequence < $3
	`, projectID, agentID, seq)
	if err != nil {
		return false, fmt.Errorf("failed to advance last_seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch implements Store.
func (s *PostgresStore) Touch(ctx context.Context, projectID, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_active_at = $3
		WHERE project_id = $1 AND agent_id = $2 AND last_active_at < $3
	`, projectID, agentID, at)
	if err != nil {
		return fmt.Errorf("failed to touch registration: %w", err)
	}
	return nil
}

// ExpireIdle implements Store.
func (s *PostgresStore) ExpireIdle(ctx context.Context, cutoff time.Time) ([]models.AgentRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM agents WHERE last_active_at < $1
		RETURNING `+selectColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire idle agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []models.AgentRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		s.logger.Info("Expired idle agents", map[string]interface{}{"count": len(expired)})
	}
	return expired, nil
}

var _ Store = (*PostgresStore)(nil)
