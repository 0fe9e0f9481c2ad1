package schema

import (
	"fmt"
	"sort"
)

// Migration is the set of steps needed to bring a database up to a registry.
// Columns present in the database but unknown to the registry are reported in
// Retained and are never dropped.
type Migration struct {
	From       int
	To         int
	NewTables  []Table
	NewColumns map[string][]Column
	Retained   map[string][]string
}

// Empty reports whether the migration has no DDL to apply.
func (m Migration) Empty() bool {
	return len(m.NewTables) == 0 && len(m.NewColumns) == 0
}

// ErrFutureVersion is returned when the database was written by a newer schema.
type ErrFutureVersion struct {
	Database int
	Code     int
}

func (e *ErrFutureVersion) Error() string {
	return fmt.Sprintf("database schema version %d is newer than supported version %d", e.Database, e.Code)
}

// Plan compares the columns found in a database (table name -> column names) against
// the registry. dbVersion is the version stamped in the database, 0 for a fresh one.
func Plan(r Registry, dbVersion int, existing map[string][]string) (Migration, error) {
	if dbVersion > r.Version {
		return Migration{}, &ErrFutureVersion{Database: dbVersion, Code: r.Version}
	}

	m := Migration{
		From:       dbVersion,
		To:         r.Version,
		NewColumns: make(map[string][]Column),
		Retained:   make(map[string][]string),
	}

	for _, t := range r.Tables {
		cols, ok := existing[t.Name]
		if !ok {
			m.NewTables = append(m.NewTables, t)
			continue
		}

		have := make(map[string]bool, len(cols))
		for _, c := range cols {
			have[c] = true
		}
		for _, c := range t.Columns {
			if !have[c.Name] {
				m.NewColumns[t.Name] = append(m.NewColumns[t.Name], c)
			}
		}

		for _, c := range cols {
			if _, known := t.Column(c); !known {
				m.Retained[t.Name] = append(m.Retained[t.Name], c)
			}
		}
		sort.Strings(m.Retained[t.Name])
		if len(m.Retained[t.Name]) == 0 {
			delete(m.Retained, t.Name)
		}
	}

	if len(m.NewColumns) == 0 {
		m.NewColumns = nil
	}
	if len(m.Retained) == 0 {
		m.Retained = nil
	}
	return m, nil
}

// Statements renders the migration, followed by every index of the registry.
// Index statements are idempotent so they are always included.
func (m Migration) Statements(d Dialect, r Registry) []string {
	var stmts []string
	for _, t := range m.NewTables {
		stmts = append(stmts, CreateTableSQL(d, t))
	}

	tables := make([]string, 0, len(m.NewColumns))
	for name := range m.NewColumns {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	for _, name := range tables {
		for _, c := range m.NewColumns[name] {
			stmts = append(stmts, AddColumnSQL(d, name, c))
		}
	}

	for _, t := range r.Tables {
		for _, idx := range t.Indexes {
			stmts = append(stmts, CreateIndexSQL(t.Name, idx))
		}
	}
	return stmts
}
