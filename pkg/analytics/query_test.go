package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/thingdb/pkg/schema"
)

func TestBuildQuery_Rendering(t *testing.T) {
	r := schema.Analytical()
	q := Query{
		Table:   "events",
		Columns: []string{"id", "ts"},
		Where: []Predicate{
			Eq("ns", "ex.com"),
			{Column: "event", Op: OpIn, Value: []string{"view", "click"}},
			{Column: "ts", Op: OpGte, Value: time.Unix(0, 42)},
		},
		OrderBy: []Order{{Column: "ts", Desc: true}},
		Limit:   5000,
	}

	sqliteSQL, args, cols, err := buildQuery(r, schema.SQLite, q)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, ts FROM events WHERE ns = ? AND event IN (?, ?) AND ts >= ? ORDER BY ts DESC LIMIT ? OFFSET ?",
		sqliteSQL)
	assert.Equal(t, []interface{}{"ex.com", "view", "click", int64(42), MaxQueryLimit, 0}, args)
	require.Len(t, cols, 2)
	assert.Equal(t, schema.Time, cols[1].Type)

	pgSQL, _, _, err := buildQuery(r, schema.Postgres, q)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, ts FROM events WHERE ns = $1 AND event IN ($2, $3) AND ts >= $4 ORDER BY ts DESC LIMIT $5 OFFSET $6",
		pgSQL)
}

func TestBuildQuery_Defaults(t *testing.T) {
	stmt, args, cols, err := buildQuery(schema.Analytical(), schema.SQLite, Query{Table: "chunks", Offset: -3})
	require.NoError(t, err)

	for _, c := range cols {
		assert.NotEqual(t, "embedding", c.Name, "vector columns are not selected by default")
	}
	assert.Contains(t, stmt, "ORDER BY parent, chunk_index")
	assert.Equal(t, []interface{}{DefaultQueryLimit, 0}, args)
}

func TestBuildQuery_Rejects(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"unknown table", Query{Table: "users"}},
		{"unknown column", Query{Table: "events", Columns: []string{"password"}}},
		{"unknown predicate column", Query{Table: "events", Where: []Predicate{Eq("nope", 1)}}},
		{"injected operator", Query{Table: "events", Where: []Predicate{{Column: "id", Op: "= 1 OR 1 ="}}}},
		{"vector comparison", Query{Table: "chunks", Where: []Predicate{Eq("embedding", []byte{1})}}},
		{"in without slice", Query{Table: "events", Where: []Predicate{{Column: "id", Op: OpIn, Value: 1}}}},
		{"empty in", Query{Table: "events", Where: []Predicate{{Column: "id", Op: OpIn, Value: []int{}}}}},
		{"unknown order column", Query{Table: "events", OrderBy: []Order{{Column: "id; DROP TABLE events"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := buildQuery(schema.Analytical(), schema.SQLite, tt.q)
			assert.Error(t, err)
		})
	}
}

func TestDecodeValue(t *testing.T) {
	timeCol := schema.Column{Name: "ts", Type: schema.Time}
	got, err := decodeValue(timeCol, int64(1_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1, 0).UTC(), got)

	_, err = decodeValue(timeCol, "yesterday")
	assert.Error(t, err)

	got, err = decodeValue(schema.Column{Name: "data", Type: schema.JSON}, []byte(`{"a":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": []interface{}{float64(1), float64(2)}}, got)

	got, err = decodeValue(schema.Column{Name: "content", Type: schema.Text}, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	got, err = decodeValue(schema.Column{Name: "context", Type: schema.Text}, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
