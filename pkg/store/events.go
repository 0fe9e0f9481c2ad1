package store

import (
	"context"
	"database/sql"
	"fmt"
)

const eventColumns = "id, ns, actor, actor_data, event, object, object_data, result, result_data, ts, synced_at"

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e                                 Event
		actorData, objectData, resultData string
		ts                                int64
		syncedAt                          sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.NS, &e.Actor, &actorData, &e.Event, &e.Object, &objectData,
		&e.Result, &resultData, &ts, &syncedAt); err != nil {
		return nil, err
	}

	var err error
	if e.ActorData, err = unmarshalMap(actorData); err != nil {
		return nil, err
	}
	if e.ObjectData, err = unmarshalMap(objectData); err != nil {
		return nil, err
	}
	if e.ResultData, err = unmarshalMap(resultData); err != nil {
		return nil, err
	}
	e.Timestamp = fromNanos(ts)
	e.SyncedAt = timePtr(syncedAt)
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// InsertEvent appends e. Events are never updated or deleted.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e *Event) error {
	actorData, err := marshalMap(e.ActorData)
	if err != nil {
		return err
	}
	objectData, err := marshalMap(e.ObjectData)
	if err != nil {
		return err
	}
	resultData, err := marshalMap(e.ResultData)
	if err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, ns, actor, actor_data, event, object, object_data, result, result_data, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.NS, e.Actor, actorData, e.Event, e.Object, objectData, e.Result, resultData, toNanos(e.Timestamp))
	if err != nil {
		if isUniqueViolation(err) {
			return Conflict("record", fmt.Sprint(e.ID), "event id already used")
		}
		return Wrap("record", fmt.Errorf("failed to insert event: %w", err))
	}
	return nil
}

// RecentEvents returns the newest events of one type in a namespace.
// An empty event type scans the whole namespace.
func (s *SQLiteStore) RecentEvents(ctx context.Context, ns, event string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := "SELECT " + eventColumns + " FROM events WHERE ns = ?"
	args := []interface{}{ns}
	if event != "" {
		q += " AND event = ?"
		args = append(args, event)
	}
	q += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, Wrap("recent_events", fmt.Errorf("failed to query events: %w", err))
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, Wrap("recent_events", err)
	}
	return events, nil
}
