package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTableSQL_Dialects(t *testing.T) {
	things, ok := Durable().Table(TableThings)
	require.True(t, ok)

	sqlite := CreateTableSQL(SQLite, things)
	assert.Contains(t, sqlite, "CREATE TABLE IF NOT EXISTS things")
	assert.Contains(t, sqlite, "data TEXT NOT NULL DEFAULT '{}'")
	assert.Contains(t, sqlite, "created_at INTEGER NOT NULL")
	assert.Contains(t, sqlite, "PRIMARY KEY (ns, type, id)")

	pg := CreateTableSQL(Postgres, things)
	assert.Contains(t, pg, "data JSONB NOT NULL DEFAULT '{}'")
	assert.Contains(t, pg, "created_at BIGINT NOT NULL")
}

func TestCreateIndexSQL_PartialUnique(t *testing.T) {
	rels, ok := Durable().Table(TableRelationships)
	require.True(t, ok)

	var edge Index
	for _, idx := range rels.Indexes {
		if idx.Name == "idx_relationships_edge" {
			edge = idx
		}
	}
	require.NotEmpty(t, edge.Name)

	got := CreateIndexSQL(rels.Name, edge)
	assert.Equal(t,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_edge ON relationships(from_url, predicate, to_url) WHERE deleted_at IS NULL",
		got)
}

func TestVectorColumnType(t *testing.T) {
	assert.Equal(t, "BLOB", SQLite.ColumnType(Vector))
	assert.Equal(t, "BYTEA", Postgres.ColumnType(Vector))
	assert.Equal(t, "?", SQLite.Placeholder(3))
	assert.Equal(t, "$3", Postgres.Placeholder(3))
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM things WHERE ns = ? AND type = ? LIMIT ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT * FROM things WHERE ns = $1 AND type = $2 LIMIT $3", Postgres.Rebind(q))
}

func TestPlan_FreshDatabase(t *testing.T) {
	r := Durable()
	m, err := Plan(r, 0, nil)
	require.NoError(t, err)

	assert.Len(t, m.NewTables, len(r.Tables))
	assert.Nil(t, m.NewColumns)
	assert.False(t, m.Empty())

	stmts := m.Statements(SQLite, r)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS things"))
}

func TestPlan_AddsMissingColumnsAndRetainsUnknown(t *testing.T) {
	r := Durable()
	things, _ := r.Table(TableThings)

	existing := map[string][]string{}
	for _, tbl := range r.Tables {
		existing[tbl.Name] = tbl.ColumnNames()
	}
	// Simulate an older table without synced_at and with a legacy column.
	var cols []string
	for _, c := range things.ColumnNames() {
		if c != "synced_at" {
			cols = append(cols, c)
		}
	}
	existing[TableThings] = append(cols, "legacy_flag")

	m, err := Plan(r, 1, existing)
	require.NoError(t, err)

	assert.Empty(t, m.NewTables)
	require.Len(t, m.NewColumns[TableThings], 1)
	assert.Equal(t, "synced_at", m.NewColumns[TableThings][0].Name)
	assert.Equal(t, []string{"legacy_flag"}, m.Retained[TableThings])

	stmts := m.Statements(SQLite, r)
	assert.Contains(t, stmts, "ALTER TABLE things ADD COLUMN synced_at INTEGER")
	for _, s := range stmts {
		assert.NotContains(t, s, "DROP")
	}
}

func TestPlan_UpToDate(t *testing.T) {
	r := Analytical()
	existing := map[string][]string{}
	for _, tbl := range r.Tables {
		existing[tbl.Name] = tbl.ColumnNames()
	}

	m, err := Plan(r, Version, existing)
	require.NoError(t, err)
	assert.True(t, m.Empty())
}

func TestPlan_RefusesFutureVersion(t *testing.T) {
	_, err := Plan(Durable(), Version+1, nil)
	var future *ErrFutureVersion
	require.ErrorAs(t, err, &future)
	assert.Equal(t, Version+1, future.Database)
}

func TestRegistries_ShareFieldNames(t *testing.T) {
	durable, analytical := Durable(), Analytical()
	for _, name := range []string{TableThings, TableRelationships, TableEvents, TableActions, TableArtifacts} {
		dt, ok := durable.Table(name)
		require.True(t, ok, name)
		at, ok := analytical.Table(name)
		require.True(t, ok, name)

		for _, c := range dt.Columns {
			if c.Name == "synced_at" {
				continue
			}
			_, found := at.Column(c.Name)
			assert.True(t, found, "%s.%s missing from analytical schema", name, c.Name)
		}
	}
}
