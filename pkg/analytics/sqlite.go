package analytics

import (
	"context"
	"fmt"
	"strings"

	"github.com/dan-solli/thingdb/pkg/schema"
	"github.com/dan-solli/thingdb/pkg/store"
)

const chunksFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    content='chunks',
    content_rowid='rowid'
)`

// Triggers keep the external-content index in step with chunks.
var chunksFTSTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
END`,
	`CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.rowid, old.content);
END`,
	`CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES('delete', old.rowid, old.content);
    INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
END`,
}

// SQLiteStore is the embedded analytical backend. It must not share a file
// with the durable store since both use the same table names.
type SQLiteStore struct {
	*sqlStore
}

// OpenSQLite opens (or creates) an analytical database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()

	db, err := store.OpenSQLiteDB(path, 0)
	if err != nil {
		return nil, err
	}

	r := schema.Analytical()
	if _, err := store.MigrateSQLite(ctx, db, r, opts.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate analytics schema: %w", err)
	}

	var existed int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'chunks_fts'").Scan(&existed); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to inspect fts index: %w", err)
	}

	stmts := append([]string{chunksFTS}, chunksFTSTriggers...)
	if existed == 0 {
		// Index chunks written before the fts table existed.
		stmts = append(stmts, "INSERT INTO chunks_fts(chunks_fts) VALUES('rebuild')")
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create fts index: %w", err)
		}
	}

	return &SQLiteStore{sqlStore: &sqlStore{
		db:         db,
		dialect:    schema.SQLite,
		registry:   r,
		opts:       opts,
		textSearch: sqliteTextSearch,
	}}, nil
}

// ftsQuery quotes every term so user input cannot inject FTS5 syntax.
// Terms are implicitly ANDed.
func ftsQuery(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}

func sqliteTextSearch(text string, f SearchFilter, limit int) (string, []interface{}) {
	q := `SELECT c.parent, c.chunk_index, c.ns, c.type, c.content, c.model, c.start_offset, c.end_offset,
			-bm25(chunks_fts) AS score
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ?`
	args := []interface{}{ftsQuery(text)}
	if f.NS != "" {
		q += " AND c.ns = ?"
		args = append(args, f.NS)
	}
	if f.Type != "" {
		q += " AND c.type = ?"
		args = append(args, f.Type)
	}
	q += " ORDER BY score DESC, c.parent, c.chunk_index LIMIT ?"
	return q, append(args, limit)
}
