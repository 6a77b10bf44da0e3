// Package vectorstore persists context nodes together with their
// embeddings and answers nearest-neighbour queries over them. The store
// is a projection of the event log: nodes can always be rebuilt by
// replaying data_published events.
package vectorstore

import (
	"context"
	"errors"

	"github.com/contexhq/contex/pkg/models"
)

// ErrDimensionMismatch indicates an embedding whose length differs from
// the store's configured dimensionality.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ScoredNode is a search hit with its cosine similarity to the query.
type ScoredNode struct {
	models.ContextNode
	Similarity float64
}

// Store holds context nodes keyed by (project_id, node_key).
type Store interface {
	// Upsert inserts or replaces a node. It returns false when an
	// identical node (same content hash) is already stored, which lets
	// the engine skip re-dispatching unchanged data.
	Upsert(ctx context.Context, node models.ContextNode) (changed bool, err error)

	// Search returns up to limit nodes of the project ordered by cosine
	// similarity to the query vector, descending. Ties break on node_key
	// ascending so results are deterministic.
	Search(ctx context.Context, projectID string, query []float32, limit int) ([]ScoredNode, error)

	// Get fetches a single node. Returns models.ErrNotFound when absent.
	Get(ctx context.Context, projectID, nodeKey string) (models.ContextNode, error)

	// List returns every node of the project ordered by node_key.
	List(ctx context.Context, projectID string) ([]models.ContextNode, error)

	// DeleteData removes all nodes derived from one data key and returns
	// the node keys that were removed.
	DeleteData(ctx context.Context, projectID, dataKey string) ([]string, error)

	// Count returns the number of nodes stored for the project.
	Count(ctx context.Context, projectID string) (int, error)
}
