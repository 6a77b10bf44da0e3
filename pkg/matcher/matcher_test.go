package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/keyword"
	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/vectorstore"
)

func seedStore(t *testing.T, descriptions map[string]string) (*vectorstore.MemoryStore, *keyword.Index) {
	t.Helper()
	provider := embedding.NewLocalProvider()
	store := vectorstore.NewMemoryStore()
	index := keyword.NewIndex()
	ctx := context.Background()

	for nodeKey, desc := range descriptions {
		vec, err := provider.Embed(ctx, desc)
		require.NoError(t, err)
		_, err = store.Upsert(ctx, models.ContextNode{
			ProjectID:   "p1",
			NodeKey:     nodeKey,
			DataKey:     nodeKey,
			Description: desc,
			Data:        map[string]interface{}{"k": nodeKey},
			Embedding:   vec,
			ContentHash: nodeKey,
		})
		require.NoError(t, err)
		index.Add("p1", nodeKey, desc)
	}
	return store, index
}

func newMatcher(store *vectorstore.MemoryStore, index *keyword.Index, opts Options) *Matcher {
	return New(embedding.NewLocalProvider(), store, index, opts, nil, nil)
}

func TestMatchNeedRanksByRelevance(t *testing.T) {
	store, index := seedStore(t, map[string]string{
		"api_config": "api endpoints timeouts retries backoff",
		"db_schema":  "database schema tables migrations indexes",
	})
	m := newMatcher(store, index, Options{SimilarityThreshold: 0.1, MaxMatches: 10})

	matches, err := m.MatchNeed(context.Background(), "p1", "api endpoints and timeouts", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1, "unrelated node falls below threshold")
	assert.Equal(t, "api_config", matches[0].NodeKey)
	assert.Equal(t, 0, matches[0].NeedIndex)
	assert.Greater(t, matches[0].Similarity, 0.1)
}

func TestMatchNeedIsDeterministic(t *testing.T) {
	store, index := seedStore(t, map[string]string{
		"a_node": "payment gateway settings",
		"b_node": "payment gateway settings",
	})
	m := newMatcher(store, index, Options{SimilarityThreshold: 0.5, MaxMatches: 10})

	for i := 0; i < 3; i++ {
		matches, err := m.MatchNeed(context.Background(), "p1", "payment gateway settings", 0)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "a_node", matches[0].NodeKey, "ties break on node key")
		assert.Equal(t, "b_node", matches[1].NodeKey)
	}
}

func TestMatchNeedThresholdIsInclusive(t *testing.T) {
	store, index := seedStore(t, map[string]string{
		"exact": "alpha beta gamma",
	})
	provider := embedding.NewLocalProvider()
	ctx := context.Background()
	needVec, err := provider.Embed(ctx, "alpha beta gamma delta")
	require.NoError(t, err)
	nodeVec, err := provider.Embed(ctx, "alpha beta gamma")
	require.NoError(t, err)
	sim := embedding.CosineSimilarity(needVec, nodeVec)

	// A similarity exactly at the threshold is a match.
	m := newMatcher(store, index, Options{SimilarityThreshold: sim, MaxMatches: 10})
	matches, err := m.MatchNeed(ctx, "p1", "alpha beta gamma delta", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, sim, matches[0].Similarity)
}

func TestMatchNeedTruncatesToMaxMatches(t *testing.T) {
	store, index := seedStore(t, map[string]string{
		"n1": "service config alpha",
		"n2": "service config beta",
		"n3": "service config gamma",
	})
	m := newMatcher(store, index, Options{SimilarityThreshold: 0.1, MaxMatches: 2})

	matches, err := m.MatchNeed(context.Background(), "p1", "service config", 0)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestMatchNeedZeroMaxMatches(t *testing.T) {
	store, index := seedStore(t, map[string]string{"n1": "anything at all"})
	m := newMatcher(store, index, Options{SimilarityThreshold: 0, MaxMatches: 0})

	matches, err := m.MatchNeed(context.Background(), "p1", "anything", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMatchNeedEmptyProject(t *testing.T) {
	store, index := seedStore(t, nil)
	m := newMatcher(store, index, Options{SimilarityThreshold: 0.5, MaxMatches: 10})

	matches, err := m.MatchNeed(context.Background(), "empty", "some need", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHybridReordersByKeywordRank(t *testing.T) {
	store, index := seedStore(t, map[string]string{
		// Both overlap the need semantically; the keyword ranking favors
		// the document where the query terms are rarer.
		"generic":  "service options service options service config",
		"specific": "payment service credentials",
	})
	opts := Options{
		SimilarityThreshold: 0.05,
		MaxMatches:          10,
		Hybrid:              true,
		BM25Weight:          0.7,
		KNNWeight:           0.3,
	}
	m := newMatcher(store, index, opts)

	matches, err := m.MatchNeed(context.Background(), "p1", "payment service", 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "specific", matches[0].NodeKey)
}

// fixedProvider returns a canned vector per text, defaulting to the
// zero vector. It lets tests pin exact similarities.
type fixedProvider struct {
	vectors map[string][]float32
}

func (p *fixedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, embedding.Dimensions), nil
}

func (p *fixedProvider) Name() string { return "fixed" }

func paddedVec(vals ...float32) []float32 {
	v := make([]float32, embedding.Dimensions)
	copy(v, vals)
	return v
}

func TestHybridIncludesKeywordOnlyCandidates(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	index := keyword.NewIndex()
	ctx := context.Background()

	// Three nodes with pinned similarities against the need: 0.9, 0.8
	// and 0.6. With MaxMatches 1 the vector search fetches only the top
	// two, so the third node can surface only through the keyword index,
	// where it is the sole hit for "special".
	nodes := []struct {
		key  string
		desc string
		vec  []float32
	}{
		{"node_a", "alpha", paddedVec(0.9, 0.43589)},
		{"node_b", "alpha", paddedVec(0.8, 0.6)},
		{"node_c", "special", paddedVec(0.6, 0.8)},
	}
	for _, n := range nodes {
		_, err := store.Upsert(ctx, models.ContextNode{
			ProjectID: "p1", NodeKey: n.key, DataKey: n.key,
			Description: n.desc, Data: n.key, Embedding: n.vec, ContentHash: n.key,
		})
		require.NoError(t, err)
		index.Add("p1", n.key, n.desc)
	}

	provider := &fixedProvider{vectors: map[string][]float32{"special": paddedVec(1)}}
	opts := Options{SimilarityThreshold: 0.5, MaxMatches: 1, Hybrid: true, BM25Weight: 0.7, KNNWeight: 0.3}
	m := New(provider, store, index, opts, nil, nil)

	matches, err := m.MatchNeed(ctx, "p1", "special", 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "node_c", matches[0].NodeKey, "top keyword rank outweighs mid-pack vector ranks")
	assert.InDelta(t, 0.6, matches[0].Similarity, 1e-6, "similarity comes from the stored embedding")
}

func TestHybridSkipsStaleKeywordEntries(t *testing.T) {
	provider := embedding.NewLocalProvider()
	store := vectorstore.NewMemoryStore()
	index := keyword.NewIndex()
	ctx := context.Background()

	// The index knows a node the vector store no longer holds.
	index.Add("p1", "ghost", "orphaned keyword entry")
	vec, err := provider.Embed(ctx, "real node text")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, models.ContextNode{
		ProjectID: "p1", NodeKey: "real", DataKey: "real",
		Description: "real node text", Embedding: vec, ContentHash: "real",
	})
	require.NoError(t, err)

	opts := Options{SimilarityThreshold: 0.1, MaxMatches: 10, Hybrid: true, BM25Weight: 0.7, KNNWeight: 0.3}
	m := New(provider, store, index, opts, nil, nil)

	matches, err := m.MatchNeed(ctx, "p1", "orphaned keyword entry", 0)
	require.NoError(t, err)
	for _, match := range matches {
		assert.NotEqual(t, "ghost", match.NodeKey)
	}
}

func TestMatchNeedsPreservesNeedOrder(t *testing.T) {
	store, index := seedStore(t, map[string]string{
		"api_config": "api endpoints timeouts",
		"db_schema":  "database schema tables",
	})
	m := newMatcher(store, index, Options{SimilarityThreshold: 0.1, MaxMatches: 10})

	results, err := m.MatchNeeds(context.Background(), "p1", []string{
		"api endpoints",
		"database tables",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "api endpoints", results[0].Need)
	require.NotEmpty(t, results[0].Matches)
	assert.Equal(t, "api_config", results[0].Matches[0].NodeKey)
	assert.Equal(t, 1, results[1].NeedIndex)
	require.NotEmpty(t, results[1].Matches)
	assert.Equal(t, "db_schema", results[1].Matches[0].NodeKey)
	assert.Equal(t, 1, results[1].Matches[0].NeedIndex)
}

func TestMatchNeedsDuplicateNeedsKeepDistinctIndexes(t *testing.T) {
	store, index := seedStore(t, map[string]string{
		"api_config": "api endpoints timeouts",
	})
	m := newMatcher(store, index, Options{SimilarityThreshold: 0.1, MaxMatches: 10})

	results, err := m.MatchNeeds(context.Background(), "p1", []string{
		"api endpoints",
		"api endpoints",
	})
	require.NoError(t, err)
	require.Len(t, results, 2, "repeated need text keeps its own group")
	assert.Equal(t, 0, results[0].NeedIndex)
	assert.Equal(t, 1, results[1].NeedIndex)
	require.NotEmpty(t, results[1].Matches)
	assert.Equal(t, 1, results[1].Matches[0].NeedIndex)
}
