package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const thingColumns = "ns, type, id, url, data, content, context, version, created_at, updated_at, deleted_at, synced_at"

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// prefixed qualifies every column of a column list with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanThing(row rowScanner) (*Thing, error) {
	var (
		t                   Thing
		data                string
		ctxRef              sql.NullString
		created, updated    int64
		deletedAt, syncedAt sql.NullInt64
	)
	if err := row.Scan(&t.NS, &t.Type, &t.ID, &t.URL, &data, &t.Content, &ctxRef,
		&t.Version, &created, &updated, &deletedAt, &syncedAt); err != nil {
		return nil, err
	}

	m, err := unmarshalMap(data)
	if err != nil {
		return nil, err
	}
	t.Data = m
	t.Context = ctxRef.String
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.DeletedAt = timePtr(deletedAt)
	t.SyncedAt = timePtr(syncedAt)
	return &t, nil
}

func scanThings(rows *sql.Rows) ([]*Thing, error) {
	defer rows.Close()
	var out []*Thing
	for rows.Next() {
		t, err := scanThing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thing: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating things: %w", err)
	}
	return out, nil
}

// Create inserts a new Thing at version 1. An empty ID is replaced by a UUID.
// The key must not exist, soft-deleted rows included.
func (s *SQLiteStore) Create(ctx context.Context, in NewThing) (*Thing, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	key := Key{NS: in.NS, Type: in.Type, ID: in.ID}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	data, err := marshalMap(in.Data)
	if err != nil {
		return nil, err
	}

	now := toNanos(s.clock())
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO things (ns, type, id, url, data, content, context, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 RETURNING `+thingColumns,
		key.NS, key.Type, key.ID, key.URL(), data, in.Content, nullString(in.Context), now, now)

	t, err := scanThing(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Conflict("create", key.String(), "thing already exists")
		}
		return nil, Wrap("create", fmt.Errorf("failed to insert thing: %w", err))
	}
	return t, nil
}

// Update applies patch if the stored version equals expectedVersion.
// The check and the write are one statement, so two writers holding the same
// version cannot both succeed.
func (s *SQLiteStore) Update(ctx context.Context, key Key, expectedVersion int64, patch ThingPatch) (*Thing, error) {
	var data sql.NullString
	if patch.Data != nil {
		encoded, err := marshalMap(patch.Data)
		if err != nil {
			return nil, err
		}
		data = sql.NullString{String: encoded, Valid: true}
	}
	var content, ctxRef sql.NullString
	if patch.Content != nil {
		content = sql.NullString{String: *patch.Content, Valid: true}
	}
	if patch.Context != nil {
		ctxRef = sql.NullString{String: *patch.Context, Valid: true}
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE things
		 SET data = COALESCE(?, data),
		     content = COALESCE(?, content),
		     context = COALESCE(?, context),
		     version = version + 1,
		     updated_at = ?,
		     synced_at = NULL
		 WHERE ns = ? AND type = ? AND id = ? AND version = ? AND deleted_at IS NULL
		 RETURNING `+thingColumns,
		data, content, ctxRef, toNanos(s.clock()), key.NS, key.Type, key.ID, expectedVersion)

	t, err := scanThing(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, Wrap("update", fmt.Errorf("failed to update thing: %w", err))
	}

	// Nothing matched: tell a missing row apart from a stale version.
	var (
		version   int64
		deletedAt sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT version, deleted_at FROM things WHERE ns = ? AND type = ? AND id = ?",
		key.NS, key.Type, key.ID).Scan(&version, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deletedAt.Valid) {
		return nil, NotFound("update", key.String())
	}
	if err != nil {
		return nil, Wrap("update", fmt.Errorf("failed to read current version: %w", err))
	}
	return nil, VersionConflict("update", key.String(), expectedVersion, version)
}

// Upsert creates the Thing or overwrites it without a version check.
// A soft-deleted row is revived.
func (s *SQLiteStore) Upsert(ctx context.Context, in NewThing) (*Thing, error) {
	key := Key{NS: in.NS, Type: in.Type, ID: in.ID}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	data, err := marshalMap(in.Data)
	if err != nil {
		return nil, err
	}

	now := toNanos(s.clock())
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO things (ns, type, id, url, data, content, context, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (ns, type, id) DO UPDATE SET
		     data = excluded.data,
		     content = excluded.content,
		     context = excluded.context,
		     version = things.version + 1,
		     updated_at = excluded.updated_at,
		     deleted_at = NULL,
		     synced_at = NULL
		 RETURNING `+thingColumns,
		key.NS, key.Type, key.ID, key.URL(), data, in.Content, nullString(in.Context), now, now)

	t, err := scanThing(row)
	if err != nil {
		return nil, Wrap("upsert", fmt.Errorf("failed to upsert thing: %w", err))
	}
	return t, nil
}

// GetOption modifies Get.
type GetOption func(*getOptions)

type getOptions struct {
	includeDeleted bool
}

// WithDeleted makes Get return soft-deleted Things.
func WithDeleted() GetOption {
	return func(o *getOptions) { o.includeDeleted = true }
}

// Get returns the Thing stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key Key, opts ...GetOption) (*Thing, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	q := "SELECT " + thingColumns + " FROM things WHERE ns = ? AND type = ? AND id = ?"
	if !o.includeDeleted {
		q += " AND deleted_at IS NULL"
	}

	t, err := scanThing(s.db.QueryRowContext(ctx, q, key.NS, key.Type, key.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("get", key.String())
	}
	if err != nil {
		return nil, Wrap("get", fmt.Errorf("failed to get thing: %w", err))
	}
	return t, nil
}

// GetByURL resolves a live Thing by its canonical url.
func (s *SQLiteStore) GetByURL(ctx context.Context, url string) (*Thing, error) {
	t, err := scanThing(s.db.QueryRowContext(ctx,
		"SELECT "+thingColumns+" FROM things WHERE url = ? AND deleted_at IS NULL", url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("get", url)
	}
	if err != nil {
		return nil, Wrap("get", fmt.Errorf("failed to get thing: %w", err))
	}
	return t, nil
}

// ListOptions filters and pages List.
type ListOptions struct {
	NS   string
	Type string

	// DataEquals matches top-level (or dotted) fields of data by equality.
	DataEquals map[string]interface{}

	IncludeDeleted bool

	// OrderBy is one of "key" (default), "created_at", "updated_at", "version".
	OrderBy string
	Desc    bool

	Offset int
	Limit  int
}

var (
	dataFieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
	listOrderColumns = map[string]string{
		"":           "ns, type, id",
		"key":        "ns, type, id",
		"created_at": "created_at",
		"updated_at": "updated_at",
		"version":    "version",
	}
)

// List returns Things matching opts ordered by (ns, type, id) unless overridden.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Thing, error) {
	var (
		where []string
		args  []interface{}
	)
	if opts.NS != "" {
		where = append(where, "ns = ?")
		args = append(args, opts.NS)
	}
	if opts.Type != "" {
		where = append(where, "type = ?")
		args = append(args, opts.Type)
	}
	if !opts.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	fields := make([]string, 0, len(opts.DataEquals))
	for f := range opts.DataEquals {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if !dataFieldPattern.MatchString(f) {
			return nil, fmt.Errorf("invalid data field %q", f)
		}
		v := opts.DataEquals[f]
		if b, ok := v.(bool); ok {
			// json_extract yields 0/1 for booleans.
			if b {
				v = 1
			} else {
				v = 0
			}
		}
		where = append(where, "json_extract(data, ?) = ?")
		args = append(args, "$."+f, v)
	}

	order, ok := listOrderColumns[opts.OrderBy]
	if !ok {
		return nil, fmt.Errorf("invalid order %q", opts.OrderBy)
	}
	if opts.Desc {
		cols := strings.Split(order, ", ")
		for i := range cols {
			cols[i] += " DESC"
		}
		order = strings.Join(cols, ", ")
	}
	if opts.OrderBy != "" && opts.OrderBy != "key" {
		order += ", ns, type, id"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := "SELECT " + thingColumns + " FROM things"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, Wrap("list", fmt.Errorf("failed to list things: %w", err))
	}
	things, err := scanThings(rows)
	if err != nil {
		return nil, Wrap("list", err)
	}
	return things, nil
}

// Delete soft-deletes the Thing and its outgoing edges. It reports whether a
// live row existed.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, Wrap("delete", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	now := toNanos(s.clock())
	res, err := tx.ExecContext(ctx,
		`UPDATE things SET deleted_at = ?, updated_at = ?, synced_at = NULL
		 WHERE ns = ? AND type = ? AND id = ? AND deleted_at IS NULL`,
		now, now, key.NS, key.Type, key.ID)
	if err != nil {
		return false, Wrap("delete", fmt.Errorf("failed to delete thing: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Wrap("delete", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE relationships SET deleted_at = ?, updated_at = ?, synced_at = NULL
		 WHERE from_url = ? AND deleted_at IS NULL`,
		now, now, key.URL()); err != nil {
		return false, Wrap("delete", fmt.Errorf("failed to delete outgoing edges: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return false, Wrap("delete", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return true, nil
}

// PurgeDeleted physically removes Things and edges that were soft-deleted
// before the cutoff and whose deletion has already been synced.
func (s *SQLiteStore) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Wrap("purge", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	cutoff := toNanos(before)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM relationships
		 WHERE deleted_at IS NOT NULL AND deleted_at < ? AND synced_at IS NOT NULL`, cutoff); err != nil {
		return 0, Wrap("purge", fmt.Errorf("failed to purge relationships: %w", err))
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM things
		 WHERE deleted_at IS NOT NULL AND deleted_at < ? AND synced_at IS NOT NULL`, cutoff)
	if err != nil {
		return 0, Wrap("purge", fmt.Errorf("failed to purge things: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, Wrap("purge", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, Wrap("purge", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return n, nil
}

// ContentHash is the sha256 of a Thing's canonical data, content and context.
// encoding/json sorts map keys, so equal payloads hash equally.
func ContentHash(t *Thing) string {
	payload := struct {
		Data    map[string]interface{} `json:"data"`
		Content string                 `json:"content"`
		Context string                 `json:"context"`
	}{t.Data, t.Content, t.Context}

	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SourceHash returns the live content hash of the Thing at url.
// Artifacts built from a different hash are stale.
func (s *SQLiteStore) SourceHash(ctx context.Context, url string) (string, error) {
	t, err := s.GetByURL(ctx, url)
	if err != nil {
		return "", err
	}
	return ContentHash(t), nil
}
