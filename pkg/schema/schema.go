// Package schema declares the table, column and index definitions shared by the
// durable and analytical backends. Definitions are plain values; the adapters render
// them through a Dialect and apply them with a Migration.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the schema version stamped into every backend.
// Bump it whenever a table, column or index is added.
//
//	1 - things, relationships, events, actions, artifacts
//	2 - search chunks, sync markers on every durable table
//	3 - partial unique index on live relationships, reverse-label index
const Version = 3

// ColumnType is a logical column type. Dialects map it onto a concrete SQL type.
type ColumnType string

const (
	Text    ColumnType = "TEXT"
	Integer ColumnType = "INTEGER"
	Real    ColumnType = "REAL"
	Blob    ColumnType = "BLOB"
	JSON    ColumnType = "JSON"
	// Time columns hold unix nanoseconds in every backend.
	Time ColumnType = "TIME"
	// Vector columns hold a fixed-dimension float32 embedding encoded as a
	// little-endian blob in every dialect.
	Vector ColumnType = "VECTOR"
)

// Column is a single column definition.
type Column struct {
	Name       string
	Type       ColumnType
	Constraint string // e.g. "NOT NULL", "NOT NULL DEFAULT 1"
}

// Index is a secondary index definition. Where, when set, makes it a partial index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
	Where   string
}

// Table is a table definition.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
	Indexes    []Index
}

// Column returns the named column and whether it exists.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Registry is an immutable set of tables for one backend role.
type Registry struct {
	Version int
	Tables  []Table
}

// Table looks up a table by name.
func (r Registry) Table(name string) (Table, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Dialect renders definitions for a concrete SQL engine.
type Dialect interface {
	Name() string
	ColumnType(ColumnType) string
	Placeholder(n int) string

	// Rebind rewrites '?' placeholders in q to the dialect's form.
	Rebind(q string) string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) ColumnType(t ColumnType) string {
	switch t {
	case Integer, Time:
		return "INTEGER"
	case Real:
		return "REAL"
	case Blob, Vector:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) Rebind(q string) string { return q }

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) ColumnType(t ColumnType) string {
	switch t {
	case Integer, Time:
		return "BIGINT"
	case Real:
		return "DOUBLE PRECISION"
	case Blob, Vector:
		return "BYTEA"
	case JSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// Rebind numbers placeholders in order. Queries must not contain a literal '?'.
func (postgresDialect) Rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	// SQLite renders for modernc.org/sqlite.
	SQLite Dialect = sqliteDialect{}
	// Postgres renders for PostgreSQL via pgx.
	Postgres Dialect = postgresDialect{}
)

// CreateTableSQL renders CREATE TABLE IF NOT EXISTS for t.
func CreateTableSQL(d Dialect, t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		b.WriteString("\t" + columnSQL(d, c))
	}
	if len(t.PrimaryKey) > 0 {
		fmt.Fprintf(&b, ",\n\tPRIMARY KEY (%s)", strings.Join(t.PrimaryKey, ", "))
	}
	b.WriteString("\n)")
	return b.String()
}

// CreateIndexSQL renders CREATE [UNIQUE] INDEX IF NOT EXISTS for idx on table.
func CreateIndexSQL(table string, idx Index) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s(%s)",
		unique, idx.Name, table, strings.Join(idx.Columns, ", "))
	if idx.Where != "" {
		stmt += " WHERE " + idx.Where
	}
	return stmt
}

// AddColumnSQL renders ALTER TABLE ... ADD COLUMN.
func AddColumnSQL(d Dialect, table string, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnSQL(d, c))
}

func columnSQL(d Dialect, c Column) string {
	s := c.Name + " " + d.ColumnType(c.Type)
	if c.Constraint != "" {
		s += " " + c.Constraint
	}
	return s
}
