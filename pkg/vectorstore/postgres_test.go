package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS context_nodes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(context.Background(), sqlx.NewDb(db, "postgres"), nil, nil)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresRequiresExtension(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = NewPostgresStore(context.Background(), sqlx.NewDb(db, "postgres"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pgvector")
}

func TestPostgresUpsertReportsChange(t *testing.T) {
	store, mock := newMockStore(t)

	n := models.ContextNode{
		ProjectID:   "p1",
		NodeKey:     "api_config",
		DataKey:     "api_config",
		Data:        map[string]interface{}{"timeout": 30},
		Embedding:   make([]float32, embedding.Dimensions),
		ContentHash: "h1",
	}

	mock.ExpectExec("INSERT INTO context_nodes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := store.Upsert(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, changed)

	// Conflicting row with identical content hash affects no rows.
	mock.ExpectExec("INSERT INTO context_nodes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	changed, err = store.Upsert(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPostgresUpsertRejectsWrongDimensions(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.Upsert(context.Background(), models.ContextNode{
		ProjectID: "p1",
		NodeKey:   "k",
		Embedding: make([]float32, 3),
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPostgresDeleteDataReturnsRemovedKeys(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("DELETE FROM context_nodes").
		WithArgs("p1", "cfg").
		WillReturnRows(sqlmock.NewRows([]string{"node_key"}).AddRow("cfg#/api").AddRow("cfg#/db"))

	removed, err := store.DeleteData(context.Background(), "p1", "cfg")
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg#/api", "cfg#/db"}, removed)
}

func TestPostgresGetReturnsEmbedding(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"project_id", "node_key", "data_key", "description", "data", "embedding", "content_hash", "created_at",
	}).AddRow("p1", "k", "k", "desc", []byte(`{"a":1}`), "[0.5,0.25]", "h1", time.Now())
	mock.ExpectQuery("SELECT project_id, node_key").
		WithArgs("p1", "k").
		WillReturnRows(rows)

	node, err := store.Get(context.Background(), "p1", "k")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, node.Embedding)
	assert.Equal(t, "h1", node.ContentHash)
}

func TestEncodeVector(t *testing.T) {
	assert.Equal(t, "[1,0.5,-2]", encodeVector([]float32{1, 0.5, -2}))
	assert.Equal(t, "[]", encodeVector(nil))
}

func TestDecodeVector(t *testing.T) {
	v, err := decodeVector("[1,0.5,-2]")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, -2}, v)

	_, err = decodeVector("not a vector")
	assert.Error(t, err)
}
