package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dan-solli/thingdb/pkg/schema"
	"github.com/dan-solli/thingdb/pkg/store"
)

// textSearchFunc renders the dialect's full-text query. It must select
// parent, chunk_index, ns, type, content, model, start_offset, end_offset, score
// with score higher-is-better, using '?' placeholders.
type textSearchFunc func(text string, f SearchFilter, limit int) (string, []interface{})

// sqlStore implements Store over database/sql for any schema.Dialect.
type sqlStore struct {
	db         *sql.DB
	dialect    schema.Dialect
	registry   schema.Registry
	opts       Options
	textSearch textSearchFunc
	closeFn    func() error
}

// DB returns the underlying database handle.
func (s *sqlStore) DB() *sql.DB { return s.db }

func (s *sqlStore) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return s.db.Close()
}

// bound applies QueryTimeout when ctx carries no deadline.
func (s *sqlStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.QueryTimeout)
}

// wrap translates err, reporting any failure after the deadline as a timeout.
// Drivers do not always surface context errors in their own error chain.
func (s *sqlStore) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return store.Timeout(op, errors.Join(ctx.Err(), err))
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return errors.Join(ctx.Err(), err)
	}
	return store.Wrap(op, err)
}

func (s *sqlStore) now() int64 { return s.opts.Now().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func vectorArg(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return store.EncodeVector(v)
}

// insertRows appends rows with ON CONFLICT DO NOTHING on key and returns how many were new.
func (s *sqlStore) insertRows(ctx context.Context, op, table, key string, cols []string, rows [][]interface{}) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := s.dialect.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), marks, key))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrap(ctx, op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, s.wrap(ctx, op, fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer prepared.Close()

	inserted := 0
	for _, row := range rows {
		res, err := prepared.ExecContext(ctx, row...)
		if err != nil {
			return 0, s.wrap(ctx, op, fmt.Errorf("failed to insert into %s: %w", table, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, s.wrap(ctx, op, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.wrap(ctx, op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return inserted, nil
}

// ThingRowKey identifies one observed revision of a Thing. The creation time
// separates lifetimes of a key that was purged and created again.
func ThingRowKey(t *store.Thing) string {
	key := t.URL + "@" + strconv.FormatInt(t.CreatedAt.UnixNano(), 10) + "@" + strconv.FormatInt(t.Version, 10)
	if t.Deleted() {
		key += "#deleted"
	}
	return key
}

// ThingEvent classifies a Thing revision.
func ThingEvent(t *store.Thing) string {
	switch {
	case t.Deleted():
		return EventDeleted
	case t.Version <= 1:
		return EventCreated
	default:
		return EventUpdated
	}
}

func (s *sqlStore) InsertThings(ctx context.Context, things []*store.Thing) (int, error) {
	ingested := s.now()
	rows := make([][]interface{}, 0, len(things))
	for _, t := range things {
		data, err := store.MarshalJSONMap(t.Data)
		if err != nil {
			return 0, err
		}
		var deleted sql.NullInt64
		if t.DeletedAt != nil {
			deleted = sql.NullInt64{Int64: t.DeletedAt.UnixNano(), Valid: true}
		}
		rows = append(rows, []interface{}{
			ThingRowKey(t), t.NS, t.Type, t.ID, t.URL, data, t.Content, nullString(t.Context), t.Version,
			t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), deleted, ThingEvent(t), ingested,
		})
	}
	return s.insertRows(ctx, "insert_things", schema.TableThings, "row_key",
		[]string{"row_key", "ns", "type", "id", "url", "data", "content", "context", "version",
			"created_at", "updated_at", "deleted_at", "event", "ingested_at"}, rows)
}

func (s *sqlStore) InsertRelationships(ctx context.Context, rels []*store.Relationship) (int, error) {
	ingested := s.now()
	rows := make([][]interface{}, 0, len(rels))
	for _, r := range rels {
		data, err := store.MarshalJSONMap(r.Data)
		if err != nil {
			return 0, err
		}
		key, event := r.ID, EventCreated
		var deleted sql.NullInt64
		if r.DeletedAt != nil {
			key, event = r.ID+"#deleted", EventDeleted
			deleted = sql.NullInt64{Int64: r.DeletedAt.UnixNano(), Valid: true}
		}
		rows = append(rows, []interface{}{
			key, r.ID, r.Predicate, nullString(r.Reverse), r.From, r.To, data,
			r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), deleted, event, ingested,
		})
	}
	return s.insertRows(ctx, "insert_relationships", schema.TableRelationships, "row_key",
		[]string{"row_key", "id", "predicate", "reverse", "from_url", "to_url", "data",
			"created_at", "updated_at", "deleted_at", "event", "ingested_at"}, rows)
}

func (s *sqlStore) InsertEvents(ctx context.Context, events []*store.Event) (int, error) {
	ingested := s.now()
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		actorData, err := store.MarshalJSONMap(e.ActorData)
		if err != nil {
			return 0, err
		}
		objectData, err := store.MarshalJSONMap(e.ObjectData)
		if err != nil {
			return 0, err
		}
		resultData, err := store.MarshalJSONMap(e.ResultData)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []interface{}{
			e.ID, e.NS, e.Actor, actorData, e.Event, e.Object, objectData, e.Result, resultData,
			e.Timestamp.UnixNano(), ingested,
		})
	}
	return s.insertRows(ctx, "insert_events", schema.TableEvents, "id",
		[]string{"id", "ns", "actor", "actor_data", "event", "object", "object_data", "result", "result_data",
			"ts", "ingested_at"}, rows)
}

func (s *sqlStore) InsertActions(ctx context.Context, actions []*store.Action) (int, error) {
	ingested := s.now()
	rows := make([][]interface{}, 0, len(actions))
	for _, a := range actions {
		metadata, err := store.MarshalJSONMap(a.Metadata)
		if err != nil {
			return 0, err
		}
		var result sql.NullString
		if a.Result != nil {
			encoded, err := store.MarshalJSONMap(a.Result)
			if err != nil {
				return 0, err
			}
			result = sql.NullString{String: encoded, Valid: true}
		}
		var started, completed sql.NullInt64
		if a.StartedAt != nil {
			started = sql.NullInt64{Int64: a.StartedAt.UnixNano(), Valid: true}
		}
		if a.CompletedAt != nil {
			completed = sql.NullInt64{Int64: a.CompletedAt.UnixNano(), Valid: true}
		}
		rows = append(rows, []interface{}{
			a.ID + ":" + string(a.Status), a.ID, a.Actor, a.Object, a.Action, string(a.Status),
			a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(), started, completed, result,
			nullString(a.Error), metadata, ingested,
		})
	}
	return s.insertRows(ctx, "insert_actions", schema.TableActions, "row_key",
		[]string{"row_key", "id", "actor", "object", "action", "status", "created_at", "updated_at",
			"started_at", "completed_at", "result", "error", "metadata", "ingested_at"}, rows)
}

func (s *sqlStore) InsertArtifacts(ctx context.Context, artifacts []*store.Artifact) (int, error) {
	ingested := s.now()
	rows := make([][]interface{}, 0, len(artifacts))
	for _, a := range artifacts {
		var expires sql.NullInt64
		if a.ExpiresAt != nil {
			expires = sql.NullInt64{Int64: a.ExpiresAt.UnixNano(), Valid: true}
		}
		rows = append(rows, []interface{}{
			a.Key, string(a.Type), a.Source, a.SourceHash, a.Content, a.Size, expires,
			a.CreatedAt.UnixNano(), ingested,
		})
	}
	return s.insertRows(ctx, "insert_artifacts", schema.TableArtifacts, "key",
		[]string{"key", "type", "source", "source_hash", "content", "size", "expires_at", "created_at", "ingested_at"}, rows)
}

func (s *sqlStore) Query(ctx context.Context, q Query) ([]Record, error) {
	stmt, args, cols, err := buildQuery(s.registry, s.dialect, q)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.wrap(ctx, "query", fmt.Errorf("failed to query %s: %w", q.Table, err))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, s.wrap(ctx, "query", fmt.Errorf("failed to scan row: %w", err))
		}

		rec := make(Record, len(cols))
		for i, c := range cols {
			v, err := decodeValue(c, raw[i])
			if err != nil {
				return nil, err
			}
			rec[c.Name] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "query", fmt.Errorf("error iterating rows: %w", err))
	}
	return out, nil
}

const latestThingColumns = "ns, type, id, url, data, content, context, version, created_at, updated_at, deleted_at"

func (s *sqlStore) Things(ctx context.Context, f ThingFilter) ([]*store.Thing, error) {
	var (
		where = []string{"1 = 1"}
		args  []interface{}
	)
	if f.NS != "" {
		where = append(where, "ns = ?")
		args = append(args, f.NS)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}

	outer := "rn = 1"
	if !f.IncludeDeleted {
		outer += " AND deleted_at IS NULL"
	}

	stmt := `SELECT ` + latestThingColumns + ` FROM (
		SELECT ` + latestThingColumns + `,
			ROW_NUMBER() OVER (PARTITION BY ns, type, id ORDER BY created_at DESC, version DESC, updated_at DESC) AS rn
		FROM things
		WHERE ` + strings.Join(where, " AND ") + `
	) latest
	WHERE ` + outer + `
	ORDER BY ns, type, id
	LIMIT ?`
	args = append(args, clampLimit(f.Limit, DefaultQueryLimit, MaxQueryLimit))

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, s.wrap(ctx, "things", fmt.Errorf("failed to query things: %w", err))
	}
	defer rows.Close()

	var out []*store.Thing
	for rows.Next() {
		var (
			t                store.Thing
			data             string
			ctxRef           sql.NullString
			created, updated int64
			deleted          sql.NullInt64
		)
		if err := rows.Scan(&t.NS, &t.Type, &t.ID, &t.URL, &data, &t.Content, &ctxRef, &t.Version,
			&created, &updated, &deleted); err != nil {
			return nil, s.wrap(ctx, "things", fmt.Errorf("failed to scan thing: %w", err))
		}
		if t.Data, err = store.UnmarshalJSONMap(data); err != nil {
			return nil, err
		}
		t.Context = ctxRef.String
		t.CreatedAt = fromNanos(created)
		t.UpdatedAt = fromNanos(updated)
		if deleted.Valid {
			d := fromNanos(deleted.Int64)
			t.DeletedAt = &d
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "things", fmt.Errorf("error iterating things: %w", err))
	}
	return out, nil
}

func (s *sqlStore) RecentEvents(ctx context.Context, ns, event string, limit int) ([]*store.Event, error) {
	stmt := `SELECT id, ns, actor, actor_data, event, object, object_data, result, result_data, ts
		FROM events WHERE ns = ?`
	args := []interface{}{ns}
	if event != "" {
		stmt += " AND event = ?"
		args = append(args, event)
	}
	stmt += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(limit, DefaultQueryLimit, MaxQueryLimit))

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, s.wrap(ctx, "recent_events", fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	var out []*store.Event
	for rows.Next() {
		var (
			e                                 store.Event
			actorData, objectData, resultData string
			ts                                int64
		)
		if err := rows.Scan(&e.ID, &e.NS, &e.Actor, &actorData, &e.Event, &e.Object, &objectData,
			&e.Result, &resultData, &ts); err != nil {
			return nil, s.wrap(ctx, "recent_events", fmt.Errorf("failed to scan event: %w", err))
		}
		if e.ActorData, err = store.UnmarshalJSONMap(actorData); err != nil {
			return nil, err
		}
		if e.ObjectData, err = store.UnmarshalJSONMap(objectData); err != nil {
			return nil, err
		}
		if e.ResultData, err = store.UnmarshalJSONMap(resultData); err != nil {
			return nil, err
		}
		e.Timestamp = fromNanos(ts)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "recent_events", fmt.Errorf("error iterating events: %w", err))
	}
	return out, nil
}

func (s *sqlStore) ReplaceChunks(ctx context.Context, parent string, chunks []store.Chunk) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(ctx, "replace_chunks", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind("DELETE FROM chunks WHERE parent = ?"), parent); err != nil {
		return s.wrap(ctx, "replace_chunks", fmt.Errorf("failed to delete chunks: %w", err))
	}

	if len(chunks) > 0 {
		prepared, err := tx.PrepareContext(ctx, s.dialect.Rebind(
			`INSERT INTO chunks (parent, chunk_index, ns, type, content, embedding, model, start_offset, end_offset)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return s.wrap(ctx, "replace_chunks", fmt.Errorf("failed to prepare insert: %w", err))
		}
		defer prepared.Close()

		for _, c := range chunks {
			if c.Parent != "" && c.Parent != parent {
				return fmt.Errorf("chunk %d belongs to %s, not %s", c.Index, c.Parent, parent)
			}
			if _, err := prepared.ExecContext(ctx, parent, c.Index, c.NS, c.Type, c.Content,
				vectorArg(c.Embedding), nullString(c.Model), c.Start, c.End); err != nil {
				return s.wrap(ctx, "replace_chunks", fmt.Errorf("failed to insert chunk %d: %w", c.Index, err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return s.wrap(ctx, "replace_chunks", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

const chunkColumns = "parent, chunk_index, ns, type, content, embedding, model, start_offset, end_offset"

func scanChunk(row interface{ Scan(...interface{}) error }) (store.Chunk, error) {
	var (
		c         store.Chunk
		embedding []byte
		model     sql.NullString
	)
	if err := row.Scan(&c.Parent, &c.Index, &c.NS, &c.Type, &c.Content, &embedding, &model, &c.Start, &c.End); err != nil {
		return c, err
	}
	c.Embedding = store.DecodeVector(embedding)
	c.Model = model.String
	return c, nil
}

func (s *sqlStore) Chunks(ctx context.Context, parent string) ([]store.Chunk, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind("SELECT "+chunkColumns+" FROM chunks WHERE parent = ? ORDER BY chunk_index"), parent)
	if err != nil {
		return nil, s.wrap(ctx, "chunks", fmt.Errorf("failed to query chunks: %w", err))
	}
	defer rows.Close()

	var out []store.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, s.wrap(ctx, "chunks", fmt.Errorf("failed to scan chunk: %w", err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "chunks", fmt.Errorf("error iterating chunks: %w", err))
	}
	return out, nil
}

func (s *sqlStore) Search(ctx context.Context, text string, f SearchFilter) ([]SearchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	stmt, args := s.textSearch(text, f, clampLimit(f.Limit, DefaultTopK, MaxTopK))

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, s.wrap(ctx, "search", fmt.Errorf("failed to search: %w", err))
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var (
			r     SearchResult
			model sql.NullString
		)
		c := &r.Chunk
		if err := rows.Scan(&c.Parent, &c.Index, &c.NS, &c.Type, &c.Content, &model, &c.Start, &c.End, &r.Score); err != nil {
			return nil, s.wrap(ctx, "search", fmt.Errorf("failed to scan result: %w", err))
		}
		c.Model = model.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "search", fmt.Errorf("error iterating results: %w", err))
	}
	return out, nil
}

// VectorSearch scores every embedded chunk in scope. Chunks whose dimension
// differs from the query are skipped.
func (s *sqlStore) VectorSearch(ctx context.Context, embedding []float32, topK int, f SearchFilter) ([]SearchResult, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	topK = clampLimit(topK, DefaultTopK, MaxTopK)

	stmt := "SELECT " + chunkColumns + " FROM chunks WHERE embedding IS NOT NULL"
	var args []interface{}
	if f.NS != "" {
		stmt += " AND ns = ?"
		args = append(args, f.NS)
	}
	if f.Type != "" {
		stmt += " AND type = ?"
		args = append(args, f.Type)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(stmt), args...)
	if err != nil {
		return nil, s.wrap(ctx, "vector_search", fmt.Errorf("failed to query embeddings: %w", err))
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, s.wrap(ctx, "vector_search", fmt.Errorf("failed to scan chunk: %w", err))
		}
		if len(c.Embedding) != len(embedding) {
			continue
		}
		distance := store.CosineDistance(embedding, c.Embedding)
		results = append(results, SearchResult{Chunk: c, Score: 1 - distance, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, "vector_search", fmt.Errorf("error iterating embeddings: %w", err))
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		if results[i].Chunk.Parent != results[j].Chunk.Parent {
			return results[i].Chunk.Parent < results[j].Chunk.Parent
		}
		return results[i].Chunk.Index < results[j].Chunk.Index
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
