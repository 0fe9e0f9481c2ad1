package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const actionColumns = "id, actor, object, action, status, created_at, updated_at, started_at, completed_at, result, error, metadata, synced_at"

func scanAction(row rowScanner) (*Action, error) {
	var (
		a                      Action
		status                 string
		created, updated       int64
		startedAt, completedAt sql.NullInt64
		result, errMsg         sql.NullString
		metadata               string
		syncedAt               sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Actor, &a.Object, &a.Action, &status, &created, &updated,
		&startedAt, &completedAt, &result, &errMsg, &metadata, &syncedAt); err != nil {
		return nil, err
	}

	var err error
	if result.Valid {
		if a.Result, err = unmarshalMap(result.String); err != nil {
			return nil, err
		}
	}
	if a.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	a.Status = ActionStatus(status)
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	a.Error = errMsg.String
	a.SyncedAt = timePtr(syncedAt)
	return &a, nil
}

func scanActions(rows *sql.Rows) ([]*Action, error) {
	defer rows.Close()
	var out []*Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return out, nil
}

// InsertAction stores a new Action. CreatedAt and UpdatedAt default to now.
func (s *SQLiteStore) InsertAction(ctx context.Context, a *Action) error {
	metadata, err := marshalMap(a.Metadata)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, actor, object, action, status, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Actor, a.Object, a.Action, string(a.Status), toNanos(a.CreatedAt), toNanos(a.UpdatedAt), metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return Conflict("create_action", a.ID, "action already exists")
		}
		return Wrap("create_action", fmt.Errorf("failed to insert action: %w", err))
	}
	return nil
}

// GetAction returns the Action with id.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*Action, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx,
		"SELECT "+actionColumns+" FROM actions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("get_action", id)
	}
	if err != nil {
		return nil, Wrap("get_action", fmt.Errorf("failed to get action: %w", err))
	}
	return a, nil
}

// ActionFilter narrows ListActions. Zero fields match everything.
type ActionFilter struct {
	Status ActionStatus
	Actor  string
	Object string
	Limit  int
}

// ListActions returns Actions newest first.
func (s *SQLiteStore) ListActions(ctx context.Context, f ActionFilter) ([]*Action, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Object != "" {
		where = append(where, "object = ?")
		args = append(args, f.Object)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := "SELECT " + actionColumns + " FROM actions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, Wrap("list_actions", fmt.Errorf("failed to list actions: %w", err))
	}
	actions, err := scanActions(rows)
	if err != nil {
		return nil, Wrap("list_actions", err)
	}
	return actions, nil
}

// TransitionAction moves the Action from status from to status to in a single
// compare-and-swap. started_at is stamped on entering active and completed_at on
// entering a terminal status; both keep their first value. If the stored
// status is no longer from, nothing changes and InvalidTransition is returned.
func (s *SQLiteStore) TransitionAction(ctx context.Context, id string, from, to ActionStatus, patch ActionPatch) (*Action, error) {
	now := toNanos(s.clock())

	var started, completed sql.NullInt64
	if to == ActionActive {
		started = sql.NullInt64{Int64: now, Valid: true}
	}
	if to.Terminal() {
		completed = sql.NullInt64{Int64: now, Valid: true}
	}

	var result sql.NullString
	if patch.Result != nil {
		encoded, err := marshalMap(patch.Result)
		if err != nil {
			return nil, err
		}
		result = sql.NullString{String: encoded, Valid: true}
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE actions
		 SET status = ?,
		     updated_at = ?,
		     started_at = COALESCE(started_at, ?),
		     completed_at = COALESCE(completed_at, ?),
		     result = COALESCE(?, result),
		     error = COALESCE(?, error),
		     synced_at = NULL
		 WHERE id = ? AND status = ?
		 RETURNING `+actionColumns,
		string(to), now, started, completed, result, nullString(patch.Error), id, string(from))

	a, err := scanAction(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, Wrap("transition", fmt.Errorf("failed to update action: %w", err))
	}

	current, err := s.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, InvalidTransition("transition", id, current.Status, to)
}
