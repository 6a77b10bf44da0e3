package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/models"
)

// MemoryStore keeps nodes and embeddings in process memory with exact
// brute-force similarity scans. It backs tests and single-node
// deployments that run without PostgreSQL.
type MemoryStore struct {
	mu         sync.RWMutex
	dimensions int
	nodes      map[string]map[string]models.ContextNode // project -> node_key -> node
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dimensions: embedding.Dimensions,
		nodes:      make(map[string]map[string]models.ContextNode),
	}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, node models.ContextNode) (bool, error) {
	if len(node.Embedding) != s.dimensions {
		return false, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(node.Embedding), s.dimensions)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project := s.nodes[node.ProjectID]
	if project == nil {
		project = make(map[string]models.ContextNode)
		s.nodes[node.ProjectID] = project
	}
	if existing, ok := project[node.NodeKey]; ok && existing.ContentHash == node.ContentHash {
		return false, nil
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	project[node.NodeKey] = node
	return true, nil
}

// Search implements Store.
func (s *MemoryStore) Search(ctx context.Context, projectID string, query []float32, limit int) ([]ScoredNode, error) {
	if len(query) != s.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), s.dimensions)
	}
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	project := s.nodes[projectID]
	scored := make([]ScoredNode, 0, len(project))
	for _, node := range project {
		scored = append(scored, ScoredNode{
			ContextNode: node,
			Similarity:  embedding.CosineSimilarity(query, node.Embedding),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].NodeKey < scored[j].NodeKey
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, projectID, nodeKey string) (models.ContextNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[projectID][nodeKey]
	if !ok {
		return models.ContextNode{}, models.ErrNotFound
	}
	return node, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, projectID string) ([]models.ContextNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project := s.nodes[projectID]
	out := make([]models.ContextNode, 0, len(project))
	for _, node := range project {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeKey < out[j].NodeKey })
	return out, nil
}

// DeleteData implements Store.
func (s *MemoryStore) DeleteData(ctx context.Context, projectID, dataKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	project := s.nodes[projectID]
	var keys []string
	for key, node := range project {
		if node.DataKey == dataKey {
			keys = append(keys, key)
			delete(project, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes[projectID]), nil
}

var _ Store = (*MemoryStore)(nil)
