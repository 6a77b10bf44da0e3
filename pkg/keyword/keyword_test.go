package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchRanksTermOverlap(t *testing.T) {
	ix := NewIndex()
	ix.Add("p1", "api_config", "api endpoints timeouts retries")
	ix.Add("p1", "db_schema", "database schema tables migrations")
	ix.Add("p1", "deploy", "deployment pipeline stages")

	hits := ix.Search("p1", "api timeouts", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "api_config", hits[0].NodeKey)
	assert.Len(t, hits, 1, "documents without query terms score zero")
}

func TestSearchPrefersRareTerms(t *testing.T) {
	ix := NewIndex()
	ix.Add("p1", "common1", "service config service config")
	ix.Add("p1", "common2", "service config options")
	ix.Add("p1", "rare", "payment gateway credentials")

	hits := ix.Search("p1", "payment service", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "rare", hits[0].NodeKey, "rare term carries higher idf")
}

func TestAddReplacesDocument(t *testing.T) {
	ix := NewIndex()
	ix.Add("p1", "cfg", "kafka broker settings")
	ix.Add("p1", "cfg", "redis cache settings")

	assert.Empty(t, ix.Search("p1", "kafka", 10))
	hits := ix.Search("p1", "redis", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "cfg", hits[0].NodeKey)
	assert.Equal(t, 1, ix.Len("p1"))
}

func TestRemove(t *testing.T) {
	ix := NewIndex()
	ix.Add("p1", "a", "alpha text")
	ix.Add("p1", "b", "beta text")

	ix.Remove("p1", "a")
	assert.Empty(t, ix.Search("p1", "alpha", 10))
	assert.Equal(t, 1, ix.Len("p1"))

	// Removing twice is a no-op.
	ix.Remove("p1", "a")
	assert.Equal(t, 1, ix.Len("p1"))
}

func TestProjectsAreIsolated(t *testing.T) {
	ix := NewIndex()
	ix.Add("p1", "a", "shared tokens here")
	ix.Add("p2", "b", "shared tokens here")

	hits := ix.Search("p1", "shared", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].NodeKey)
}

func TestSearchTieBreaksOnNodeKey(t *testing.T) {
	ix := NewIndex()
	ix.Add("p1", "b_node", "identical words")
	ix.Add("p1", "a_node", "identical words")

	hits := ix.Search("p1", "identical", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "a_node", hits[0].NodeKey)
}

func TestSearchEmptyProjectAndLimit(t *testing.T) {
	ix := NewIndex()
	assert.Nil(t, ix.Search("nope", "anything", 10))

	ix.Add("p1", "a", "one two three")
	assert.Nil(t, ix.Search("p1", "one", 0))
}
