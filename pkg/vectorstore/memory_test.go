package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/models"
)

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embedding.NewLocalProvider().Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func node(t *testing.T, project, nodeKey, dataKey, description string) models.ContextNode {
	t.Helper()
	return models.ContextNode{
		ProjectID:   project,
		NodeKey:     nodeKey,
		DataKey:     dataKey,
		Description: description,
		Data:        map[string]interface{}{"key": nodeKey},
		Embedding:   embed(t, description),
		ContentHash: "hash-" + nodeKey + "-" + description,
	}
}

func TestMemoryUpsertReportsChange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n := node(t, "p1", "api_config", "api_config", "api endpoints and timeouts")

	changed, err := s.Upsert(ctx, n)
	require.NoError(t, err)
	assert.True(t, changed)

	// Same content hash is a no-op.
	changed, err = s.Upsert(ctx, n)
	require.NoError(t, err)
	assert.False(t, changed)

	// New content replaces.
	n2 := node(t, "p1", "api_config", "api_config", "api endpoints retries and timeouts")
	changed, err = s.Upsert(ctx, n2)
	require.NoError(t, err)
	assert.True(t, changed)

	count, err := s.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryUpsertRejectsWrongDimensions(t *testing.T) {
	s := NewMemoryStore()
	n := node(t, "p1", "k", "k", "text")
	n.Embedding = n.Embedding[:10]
	_, err := s.Upsert(context.Background(), n)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMemorySearchOrdersBySimilarity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Upsert(ctx, node(t, "p1", "api_config", "api_config", "api endpoints timeouts retries backoff"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, node(t, "p1", "db_schema", "db_schema", "database schema tables migrations"))
	require.NoError(t, err)

	hits, err := s.Search(ctx, "p1", embed(t, "api endpoints and timeouts"), 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "api_config", hits[0].NodeKey)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestMemorySearchTieBreaksOnNodeKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Identical descriptions produce identical similarities.
	_, err := s.Upsert(ctx, node(t, "p1", "b_node", "b", "shared description text"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, node(t, "p1", "a_node", "a", "shared description text"))
	require.NoError(t, err)

	hits, err := s.Search(ctx, "p1", embed(t, "shared description text"), 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a_node", hits[0].NodeKey)
	assert.Equal(t, "b_node", hits[1].NodeKey)
}

func TestMemorySearchRespectsLimitAndProject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"n1", "n2", "n3"} {
		_, err := s.Upsert(ctx, node(t, "p1", key, key, "payment service configuration "+key))
		require.NoError(t, err)
	}
	_, err := s.Upsert(ctx, node(t, "p2", "other", "other", "payment service configuration"))
	require.NoError(t, err)

	hits, err := s.Search(ctx, "p1", embed(t, "payment configuration"), 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.Search(ctx, "p1", embed(t, "payment configuration"), 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryGetAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Upsert(ctx, node(t, "p1", "b", "b", "beta"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, node(t, "p1", "a", "a", "alpha"))
	require.NoError(t, err)

	got, err := s.Get(ctx, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Description)

	_, err = s.Get(ctx, "p1", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	all, err := s.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].NodeKey)
	assert.Equal(t, "b", all[1].NodeKey)
}

func TestMemoryDeleteDataRemovesAllNodesOfKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Upsert(ctx, node(t, "p1", "cfg#/api", "cfg", "api section"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, node(t, "p1", "cfg#/db", "cfg", "db section"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, node(t, "p1", "other", "other", "unrelated"))
	require.NoError(t, err)

	removed, err := s.DeleteData(ctx, "p1", "cfg")
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg#/api", "cfg#/db"}, removed)

	count, err := s.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
