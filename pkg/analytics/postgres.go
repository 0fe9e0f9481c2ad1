package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/dan-solli/thingdb/pkg/schema"
	"github.com/dan-solli/thingdb/pkg/store"
)

// PostgresConfig configures the Postgres analytical backend.
type PostgresConfig struct {
	DSN string

	// MaxConns defaults to 10.
	MaxConns int32

	// MinConns defaults to 2.
	MinConns int32
}

// migrationLock serialises concurrent migrations across processes.
const migrationLock = 0x7468696e67

const pgMeta = `CREATE TABLE IF NOT EXISTS thingdb_meta (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL
)`

const pgChunksFTSIndex = `CREATE INDEX IF NOT EXISTS idx_a_chunks_fts
	ON chunks USING GIN (to_tsvector('english', content))`

// PostgresStore is the analytical backend for a shared PostgreSQL server.
type PostgresStore struct {
	*sqlStore
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool, exposes it through database/sql and migrates.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, opts Options) (*PostgresStore, error) {
	opts = opts.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, store.Unavailable("open", fmt.Errorf("creating connection pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable("open", fmt.Errorf("pinging database: %w", err))
	}

	db := stdlib.OpenDBFromPool(pool)
	r := schema.Analytical()
	if _, err := MigratePostgres(ctx, db, r, opts); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to migrate analytics schema: %w", err)
	}

	s := &PostgresStore{pool: pool}
	s.sqlStore = &sqlStore{
		db:         db,
		dialect:    schema.Postgres,
		registry:   r,
		opts:       opts,
		textSearch: postgresTextSearch,
		closeFn: func() error {
			err := db.Close()
			pool.Close()
			return err
		},
	}
	return s, nil
}

// MigratePostgres brings db up to r. The version lives in thingdb_meta.
func MigratePostgres(ctx context.Context, db *sql.DB, r schema.Registry, opts Options) (schema.Migration, error) {
	opts = opts.withDefaults()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Migration{}, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLock)); err != nil {
		return schema.Migration{}, fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, pgMeta); err != nil {
		return schema.Migration{}, fmt.Errorf("failed to create meta table: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx, "SELECT value FROM thingdb_meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return schema.Migration{}, fmt.Errorf("get schema version: %w", err)
	}

	existing := make(map[string][]string)
	for _, t := range r.Tables {
		cols, err := pgColumns(ctx, tx, t.Name)
		if err != nil {
			return schema.Migration{}, err
		}
		if len(cols) > 0 {
			existing[t.Name] = cols
		}
	}

	m, err := schema.Plan(r, version, existing)
	if err != nil {
		return schema.Migration{}, err
	}

	stmts := append(m.Statements(schema.Postgres, r), pgChunksFTSIndex)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return m, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO thingdb_meta (key, value) VALUES ('schema_version', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, r.Version); err != nil {
		return m, fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return m, fmt.Errorf("failed to commit migration: %w", err)
	}

	for table, cols := range m.Retained {
		opts.Logger.Warn("retaining columns unknown to schema", "table", table, "columns", cols)
	}
	if !m.Empty() {
		opts.Logger.Info("analytics schema migrated", "from", m.From, "to", m.To)
	}
	return m, nil
}

func pgColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// Stat reports pool usage.
func (s *PostgresStore) Stat() *pgxpool.Stat {
	return s.pool.Stat()
}

func postgresTextSearch(text string, f SearchFilter, limit int) (string, []interface{}) {
	q := `SELECT parent, chunk_index, ns, type, content, model, start_offset, end_offset,
			ts_rank(to_tsvector('english', content), plainto_tsquery('english', ?))::float8 AS score
		FROM chunks
		WHERE to_tsvector('english', content) @@ plainto_tsquery('english', ?)`
	args := []interface{}{text, text}
	if f.NS != "" {
		q += " AND ns = ?"
		args = append(args, f.NS)
	}
	if f.Type != "" {
		q += " AND type = ?"
		args = append(args, f.Type)
	}
	q += " ORDER BY score DESC, parent, chunk_index LIMIT ?"
	return q, append(args, limit)
}
