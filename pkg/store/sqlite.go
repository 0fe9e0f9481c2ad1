package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/dan-solli/thingdb/pkg/schema"
)

// SQLiteStore is the durable store. It is authoritative for Things,
// Relationships, Actions and hot Artifacts while they are mutable, and acts as
// the outbox the sync engine drains into the analytical store.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Options configures a SQLiteStore.
type Options struct {
	// Now overrides the clock (tests).
	Now func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MaxOpenConns caps the pool; ":memory:" databases are always pinned to one.
	MaxOpenConns int
}

// sqlitePragmas are applied to every pooled connection through the DSN.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// OpenSQLite opens (or creates) a durable store at path.
// The path can be a file path or ":memory:" for an in-memory database.
// Creates and migrates tables to schema.Version.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	db, err := OpenSQLiteDB(path, opts.MaxOpenConns)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db, now: opts.Now, logger: opts.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if _, err := MigrateSQLite(ctx, db, schema.Durable(), s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// OpenSQLiteDB opens a pooled SQLite handle with the store's pragmas applied.
func OpenSQLiteDB(path string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?"+sqlitePragmas)
	if err != nil {
		return nil, Unavailable("open", fmt.Errorf("failed to open database: %w", err))
	}

	switch {
	case path == ":memory:":
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	case maxOpen > 0:
		db.SetMaxOpenConns(maxOpen)
	default:
		db.SetMaxOpenConns(4)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, Unavailable("open", fmt.Errorf("failed to connect to database: %w", err))
	}
	return db, nil
}

// MigrateSQLite brings db up to the registry, tracking the version in PRAGMA user_version.
// Unknown columns are retained and logged, never dropped.
func MigrateSQLite(ctx context.Context, db *sql.DB, r schema.Registry, logger *slog.Logger) (schema.Migration, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return schema.Migration{}, fmt.Errorf("get user_version: %w", err)
	}

	existing, err := existingColumns(ctx, db, r)
	if err != nil {
		return schema.Migration{}, err
	}

	m, err := schema.Plan(r, version, existing)
	if err != nil {
		return schema.Migration{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return m, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements(schema.SQLite, r) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return m, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", r.Version)); err != nil {
		return m, fmt.Errorf("set user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return m, fmt.Errorf("failed to commit migration: %w", err)
	}

	for table, cols := range m.Retained {
		logger.Warn("retaining columns unknown to schema", "table", table, "columns", cols)
	}
	if !m.Empty() {
		logger.Info("schema migrated", "from", m.From, "to", m.To,
			"new_tables", len(m.NewTables), "altered_tables", len(m.NewColumns))
	}
	return m, nil
}

// existingColumns lists the columns of every registry table present in db.
func existingColumns(ctx context.Context, db *sql.DB, r schema.Registry) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, t := range r.Tables {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", t.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to inspect %s: %w", t.Name, err)
		}

		var cols []string
		for rows.Next() {
			var (
				cid       int
				name      string
				ctype     string
				notnull   int
				dfltValue sql.NullString
				pk        int
			)
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan table_info: %w", err)
			}
			cols = append(cols, name)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating table_info: %w", err)
		}

		if len(cols) > 0 {
			out[t.Name] = cols
		}
	}
	return out, nil
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Counts returns the number of live rows per table, for storage gauges.
func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int64, error) {
	queries := map[string]string{
		schema.TableThings:        "SELECT COUNT(*) FROM things WHERE deleted_at IS NULL",
		schema.TableRelationships: "SELECT COUNT(*) FROM relationships WHERE deleted_at IS NULL",
		schema.TableEvents:        "SELECT COUNT(*) FROM events",
		schema.TableActions:       "SELECT COUNT(*) FROM actions",
		schema.TableArtifacts:     "SELECT COUNT(*) FROM artifacts",
	}

	out := make(map[string]int64, len(queries))
	for table, q := range queries {
		var n int64
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, Wrap("counts", fmt.Errorf("failed to count %s: %w", table, err))
		}
		out[table] = n
	}
	return out, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) clock() time.Time {
	return s.now().UTC()
}

// Timestamps are stored as unix nanoseconds.

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalMap serializes a JSON object column; nil becomes "{}".
func marshalMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]interface{}, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return m, nil
}

// MarshalJSONMap is marshalMap for other backends.
func MarshalJSONMap(m map[string]interface{}) (string, error) { return marshalMap(m) }

// UnmarshalJSONMap is unmarshalMap for other backends.
func UnmarshalJSONMap(s string) (map[string]interface{}, error) { return unmarshalMap(s) }

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}
