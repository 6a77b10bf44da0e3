package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
)

// PostgresStore stores nodes in a pgvector-backed table. Similarity
// search runs in the database via the cosine distance operator, so the
// working set never has to fit in process memory.
type PostgresStore struct {
	db         *sqlx.DB
	dimensions int
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewPostgresStore verifies the pgvector extension is present and
// ensures the context_nodes table and its index exist.
func NewPostgresStore(ctx context.Context, db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewStandardLogger("vectorstore")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	s := &PostgresStore{db: db, dimensions: embedding.Dimensions, logger: logger, metrics: metrics}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	var extExists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')
	`).Scan(&extExists)
	if err != nil {
		return fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !extExists {
		return fmt.Errorf("pgvector extension is not installed")
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS context_nodes (
			project_id   TEXT         NOT NULL,
			node_key     TEXT         NOT NULL,
			data_key     TEXT         NOT NULL,
			description  TEXT         NOT NULL DEFAULT '',
			data         JSONB        NOT NULL,
			embedding    vector(%d)   NOT NULL,
			content_hash TEXT         NOT NULL,
			created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
			PRIMARY KEY (project_id, node_key)
		);
		CREATE INDEX IF NOT EXISTS idx_context_nodes_data_key
			ON context_nodes(project_id, data_key);
		CREATE INDEX IF NOT EXISTS idx_context_nodes_embedding
			ON context_nodes USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
	`, s.dimensions))
	if err != nil {
		return fmt.Errorf("failed to create context_nodes table: %w", err)
	}
	return nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, node models.ContextNode) (bool, error) {
	if len(node.Embedding) != s.dimensions {
		return false, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(node.Embedding), s.dimensions)
	}
	raw, err := json.Marshal(node.Data)
	if err != nil {
		return false, fmt.Errorf("failed to encode node data: %w", err)
	}

	start := time.Now()
	// The WHERE clause turns a same-content replace into a no-op so the
	// caller can tell whether anything actually changed.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO context_nodes (project_id, node_key, data_key, description, data, embedding, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7)
		ON CONFLICT (project_id, node_key) DO UPDATE SET
			data_key     = EXCLUDED.data_key,
			description  = EXCLUDED.description,
			data         = EXCLUDED.data,
			embedding    = EXCLUDED.embedding,
			content_hash = EXCLUDED.content_hash,
			created_at   = now()
		WHERE context_nodes.content_hash <> EXCLUDED.content_hash
	`, node.ProjectID, node.NodeKey, node.DataKey, node.Description, raw, encodeVector(node.Embedding), node.ContentHash)
	if err != nil {
		s.metrics.RecordOperation("vectorstore", "upsert", false, time.Since(start).Seconds(), nil)
		return false, fmt.Errorf("failed to upsert node %s: %w", node.NodeKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	s.metrics.RecordOperation("vectorstore", "upsert", true, time.Since(start).Seconds(), nil)
	return n > 0, nil
}

// Search implements Store.
func (s *PostgresStore) Search(ctx context.Context, projectID string, query []float32, limit int) ([]ScoredNode, error) {
	if len(query) != s.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), s.dimensions)
	}
	if limit <= 0 {
		return nil, nil
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, node_key, data_key, description, data, content_hash, created_at,
		       1 - (embedding <=> $2::vector) AS similarity
		FROM context_nodes
		WHERE project_id = $1
		ORDER BY similarity DESC, node_key ASC
		LIMIT $3
	`, projectID, encodeVector(query), limit)
	if err != nil {
		s.metrics.RecordOperation("vectorstore", "search", false, time.Since(start).Seconds(), nil)
		return nil, fmt.Errorf("failed to search nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ScoredNode
	for rows.Next() {
		var (
			sn  ScoredNode
			raw []byte
		)
		if err := rows.Scan(&sn.ProjectID, &sn.NodeKey, &sn.DataKey, &sn.Description, &raw, &sn.ContentHash, &sn.CreatedAt, &sn.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if err := json.Unmarshal(raw, &sn.Data); err != nil {
			return nil, fmt.Errorf("failed to decode node %s data: %w", sn.NodeKey, err)
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	s.metrics.RecordOperation("vectorstore", "search", true, time.Since(start).Seconds(), nil)
	return out, nil
}

// Get implements Store. The stored embedding is returned too, so the
// matcher can score nodes that surfaced through the keyword index alone.
func (s *PostgresStore) Get(ctx context.Context, projectID, nodeKey string) (models.ContextNode, error) {
	var (
		node models.ContextNode
		raw  []byte
		vec  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, node_key, data_key, description, data, embedding::text, content_hash, created_at
		FROM context_nodes
		WHERE project_id = $1 AND node_key = $2
	`, projectID, nodeKey).Scan(&node.ProjectID, &node.NodeKey, &node.DataKey, &node.Description, &raw, &vec, &node.ContentHash, &node.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ContextNode{}, models.ErrNotFound
	}
	if err != nil {
		return models.ContextNode{}, fmt.Errorf("failed to get node %s: %w", nodeKey, err)
	}
	if err := json.Unmarshal(raw, &node.Data); err != nil {
		return models.ContextNode{}, fmt.Errorf("failed to decode node %s data: %w", nodeKey, err)
	}
	if node.Embedding, err = decodeVector(vec); err != nil {
		return models.ContextNode{}, fmt.Errorf("failed to decode node %s embedding: %w", nodeKey, err)
	}
	return node, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, projectID string) ([]models.ContextNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, node_key, data_key, description, data, content_hash, created_at
		FROM context_nodes
		WHERE project_id = $1
		ORDER BY node_key ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ContextNode
	for rows.Next() {
		var (
			node models.ContextNode
			raw  []byte
		)
		if err := rows.Scan(&node.ProjectID, &node.NodeKey, &node.DataKey, &node.Description, &raw, &node.ContentHash, &node.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if err := json.Unmarshal(raw, &node.Data); err != nil {
			return nil, fmt.Errorf("failed to decode node %s data: %w", node.NodeKey, err)
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// DeleteData implements Store.
func (s *PostgresStore) DeleteData(ctx context.Context, projectID, dataKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM context_nodes
		WHERE project_id = $1 AND data_key = $2
		RETURNING node_key
	`, projectID, dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to delete nodes for %s: %w", dataKey, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		s.logger.Info("Deleted context nodes", map[string]interface{}{
			"project_id": projectID,
			"data_key":   dataKey,
			"count":      len(keys),
		})
	}
	return keys, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM context_nodes WHERE project_id = $1`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}

// encodeVector renders a float32 slice as a pgvector literal.
func encodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// decodeVector parses a pgvector literal back into a float32 slice.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	s = s[1 : len(s)-1]
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
