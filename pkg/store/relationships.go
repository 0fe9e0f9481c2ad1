package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const relationshipColumns = "id, predicate, reverse, from_url, to_url, data, created_at, updated_at, deleted_at, synced_at"

// RelateOptions carries the optional parts of an edge.
type RelateOptions struct {
	Reverse string
	Data    map[string]interface{}
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var (
		r                   Relationship
		reverse             sql.NullString
		data                string
		created, updated    int64
		deletedAt, syncedAt sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Predicate, &reverse, &r.From, &r.To, &data,
		&created, &updated, &deletedAt, &syncedAt); err != nil {
		return nil, err
	}

	m, err := unmarshalMap(data)
	if err != nil {
		return nil, err
	}
	r.Reverse = reverse.String
	r.Data = m
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.DeletedAt = timePtr(deletedAt)
	r.SyncedAt = timePtr(syncedAt)
	return &r, nil
}

func scanRelationships(rows *sql.Rows) ([]*Relationship, error) {
	defer rows.Close()
	var out []*Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}
	return out, nil
}

// Relate creates the edge from -predicate-> to. Both Things must be live and
// the live edge must not already exist.
func (s *SQLiteStore) Relate(ctx context.Context, from Key, predicate string, to Key, opts RelateOptions) (*Relationship, error) {
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	data, err := marshalMap(opts.Data)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Wrap("relate", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	for _, k := range []Key{from, to} {
		var one int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM things WHERE ns = ? AND type = ? AND id = ? AND deleted_at IS NULL",
			k.NS, k.Type, k.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NotFound("relate", k.String())
		}
		if err != nil {
			return nil, Wrap("relate", fmt.Errorf("failed to check endpoint: %w", err))
		}
	}

	now := toNanos(s.clock())
	edgeKey := from.URL() + " -" + predicate + "-> " + to.URL()
	row := tx.QueryRowContext(ctx,
		`INSERT INTO relationships (id, predicate, reverse, from_url, to_url, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+relationshipColumns,
		uuid.New().String(), predicate, nullString(opts.Reverse), from.URL(), to.URL(), data, now, now)

	r, err := scanRelationship(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Conflict("relate", edgeKey, "relationship already exists")
		}
		return nil, Wrap("relate", fmt.Errorf("failed to insert relationship: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, Wrap("relate", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return r, nil
}

// Unrelate soft-deletes the live edge from -predicate-> to and reports whether it existed.
func (s *SQLiteStore) Unrelate(ctx context.Context, from Key, predicate string, to Key) (bool, error) {
	now := toNanos(s.clock())
	res, err := s.db.ExecContext(ctx,
		`UPDATE relationships SET deleted_at = ?, updated_at = ?, synced_at = NULL
		 WHERE from_url = ? AND predicate = ? AND to_url = ? AND deleted_at IS NULL`,
		now, now, from.URL(), predicate, to.URL())
	if err != nil {
		return false, Wrap("unrelate", fmt.Errorf("failed to delete relationship: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Wrap("unrelate", err)
	}
	return n > 0, nil
}

// Traverse returns the live Things one hop from key.
//
// Forward follows edges where key is the source and predicate matches.
// Backward follows edges where key is the target and either the predicate or
// the reverse label matches, so traverse(alice, "author", Backward) and
// traverse(alice, "posts", Backward) both find alice's posts.
func (s *SQLiteStore) Traverse(ctx context.Context, key Key, predicate string, dir Direction) ([]*Thing, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return nil, err
	}

	cols := prefixed("t", thingColumns)
	var (
		q    string
		args []interface{}
	)
	switch dir {
	case Forward:
		q = `SELECT ` + cols + `
		     FROM relationships r JOIN things t ON t.url = r.to_url
		     WHERE r.from_url = ? AND r.predicate = ?
		       AND r.deleted_at IS NULL AND t.deleted_at IS NULL
		     ORDER BY t.ns, t.type, t.id`
		args = []interface{}{key.URL(), predicate}
	case Backward:
		q = `SELECT ` + cols + `
		     FROM relationships r JOIN things t ON t.url = r.from_url
		     WHERE r.to_url = ? AND (r.predicate = ? OR r.reverse = ?)
		       AND r.deleted_at IS NULL AND t.deleted_at IS NULL
		     ORDER BY t.ns, t.type, t.id`
		args = []interface{}{key.URL(), predicate, predicate}
	default:
		return nil, fmt.Errorf("invalid direction %d", dir)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, Wrap("traverse", fmt.Errorf("failed to traverse: %w", err))
	}
	things, err := scanThings(rows)
	if err != nil {
		return nil, Wrap("traverse", err)
	}
	return dedupeThings(things), nil
}

// dedupeThings drops repeats of the same Thing reached through both the
// predicate and the reverse label. Input is ordered by key.
func dedupeThings(things []*Thing) []*Thing {
	out := things[:0]
	var last string
	for _, t := range things {
		if t.URL == last {
			continue
		}
		last = t.URL
		out = append(out, t)
	}
	return out
}

// Relationships returns the live edges touching key on the given side.
func (s *SQLiteStore) Relationships(ctx context.Context, key Key, dir Direction) ([]*Relationship, error) {
	col := "from_url"
	if dir == Backward {
		col = "to_url"
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+relationshipColumns+" FROM relationships WHERE "+col+" = ? AND deleted_at IS NULL ORDER BY predicate, created_at, id",
		key.URL())
	if err != nil {
		return nil, Wrap("relationships", fmt.Errorf("failed to query relationships: %w", err))
	}
	rels, err := scanRelationships(rows)
	if err != nil {
		return nil, Wrap("relationships", err)
	}
	return rels, nil
}
