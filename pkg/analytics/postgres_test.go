package analytics

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/thingdb/pkg/store"
)

// openPostgres connects to THINGDB_TEST_POSTGRES_DSN and empties the
// analytical tables. The database should be dedicated to tests.
func openPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("THINGDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("THINGDB_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn, MaxConns: 4, MinConns: 1}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().ExecContext(ctx, "TRUNCATE things, relationships, events, actions, artifacts, chunks")
	require.NoError(t, err)
	return s
}

func TestPostgres_InsertAndQuery(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()

	batch := []*store.Thing{
		thing("ex.com", "Post", "a", 1, map[string]interface{}{"title": "A"}),
		thing("ex.com", "Post", "a", 2, map[string]interface{}{"title": "A2"}),
	}
	n, err := s.InsertThings(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertThings(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := s.Things(ctx, ThingFilter{NS: "ex.com"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Equal(t, "A2", got[0].Data["title"])

	records, err := s.Query(ctx, Query{Table: "things", Where: []Predicate{{Column: "version", Op: OpIn, Value: []int64{1, 2}}}})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestPostgres_Search(t *testing.T) {
	s := openPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceChunks(ctx, "p", []store.Chunk{
		{Index: 0, NS: "n", Type: "t", Content: "configuring databases", Embedding: []float32{1, 0}},
		{Index: 1, NS: "n", Type: "t", Content: "installing tools", Embedding: []float32{0, 1}},
	}))

	results, err := s.Search(ctx, "database", SearchFilter{NS: "n"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Chunk.Index)

	results, err = s.VectorSearch(ctx, []float32{0, 1}, 1, SearchFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "installing tools", results[0].Chunk.Content)

	// Migrating again is a no-op.
	m, err := MigratePostgres(ctx, s.DB(), s.registry, Options{})
	require.NoError(t, err)
	assert.True(t, m.Empty())
}
