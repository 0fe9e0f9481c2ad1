package store

import (
	"context"
	"fmt"
	"time"
)

// Pending rows are those whose synced_at is NULL, read oldest first.
// Mark* only stamps a row whose revision still equals the one that was read,
// so a row changed while its batch was in flight stays pending.

// PendingThings includes soft-deleted Things so deletions replicate.
func (s *SQLiteStore) PendingThings(ctx context.Context, limit int) ([]*Thing, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+thingColumns+" FROM things WHERE synced_at IS NULL ORDER BY created_at, ns, type, id LIMIT ?", limit)
	if err != nil {
		return nil, Wrap("pending_things", fmt.Errorf("failed to query pending things: %w", err))
	}
	things, err := scanThings(rows)
	if err != nil {
		return nil, Wrap("pending_things", err)
	}
	return things, nil
}

func (s *SQLiteStore) MarkThingsSynced(ctx context.Context, things []*Thing, at time.Time) (int64, error) {
	return s.markSynced(ctx, "mark_things", len(things),
		`UPDATE things SET synced_at = ?
		 WHERE ns = ? AND type = ? AND id = ? AND version = ? AND updated_at = ?
		   AND COALESCE(deleted_at, 0) = ? AND synced_at IS NULL`,
		func(i int) []interface{} {
			t := things[i]
			return []interface{}{t.NS, t.Type, t.ID, t.Version, toNanos(t.UpdatedAt), nullNanos(t.DeletedAt).Int64}
		}, at)
}

func (s *SQLiteStore) PendingRelationships(ctx context.Context, limit int) ([]*Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+relationshipColumns+" FROM relationships WHERE synced_at IS NULL ORDER BY created_at, id LIMIT ?", limit)
	if err != nil {
		return nil, Wrap("pending_relationships", fmt.Errorf("failed to query pending relationships: %w", err))
	}
	rels, err := scanRelationships(rows)
	if err != nil {
		return nil, Wrap("pending_relationships", err)
	}
	return rels, nil
}

func (s *SQLiteStore) MarkRelationshipsSynced(ctx context.Context, rels []*Relationship, at time.Time) (int64, error) {
	return s.markSynced(ctx, "mark_relationships", len(rels),
		`UPDATE relationships SET synced_at = ?
		 WHERE id = ? AND updated_at = ? AND COALESCE(deleted_at, 0) = ? AND synced_at IS NULL`,
		func(i int) []interface{} {
			r := rels[i]
			return []interface{}{r.ID, toNanos(r.UpdatedAt), nullNanos(r.DeletedAt).Int64}
		}, at)
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE synced_at IS NULL ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, Wrap("pending_events", fmt.Errorf("failed to query pending events: %w", err))
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, Wrap("pending_events", err)
	}
	return events, nil
}

func (s *SQLiteStore) MarkEventsSynced(ctx context.Context, events []*Event, at time.Time) (int64, error) {
	return s.markSynced(ctx, "mark_events", len(events),
		"UPDATE events SET synced_at = ? WHERE id = ? AND synced_at IS NULL",
		func(i int) []interface{} { return []interface{}{events[i].ID} }, at)
}

func (s *SQLiteStore) PendingActions(ctx context.Context, limit int) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+actionColumns+" FROM actions WHERE synced_at IS NULL ORDER BY created_at, id LIMIT ?", limit)
	if err != nil {
		return nil, Wrap("pending_actions", fmt.Errorf("failed to query pending actions: %w", err))
	}
	actions, err := scanActions(rows)
	if err != nil {
		return nil, Wrap("pending_actions", err)
	}
	return actions, nil
}

func (s *SQLiteStore) MarkActionsSynced(ctx context.Context, actions []*Action, at time.Time) (int64, error) {
	return s.markSynced(ctx, "mark_actions", len(actions),
		`UPDATE actions SET synced_at = ?
		 WHERE id = ? AND status = ? AND updated_at = ? AND synced_at IS NULL`,
		func(i int) []interface{} {
			a := actions[i]
			return []interface{}{a.ID, string(a.Status), toNanos(a.UpdatedAt)}
		}, at)
}

func (s *SQLiteStore) PendingArtifacts(ctx context.Context, limit int) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+artifactColumns+" FROM artifacts WHERE synced_at IS NULL ORDER BY created_at, source, type LIMIT ?", limit)
	if err != nil {
		return nil, Wrap("pending_artifacts", fmt.Errorf("failed to query pending artifacts: %w", err))
	}
	artifacts, err := scanArtifacts(rows)
	if err != nil {
		return nil, Wrap("pending_artifacts", err)
	}
	return artifacts, nil
}

func (s *SQLiteStore) MarkArtifactsSynced(ctx context.Context, artifacts []*Artifact, at time.Time) (int64, error) {
	return s.markSynced(ctx, "mark_artifacts", len(artifacts),
		`UPDATE artifacts SET synced_at = ?
		 WHERE source = ? AND type = ? AND key = ? AND created_at = ? AND synced_at IS NULL`,
		func(i int) []interface{} {
			a := artifacts[i]
			return []interface{}{a.Source, string(a.Type), a.Key, toNanos(a.CreatedAt)}
		}, at)
}

// markSynced runs stmt once per row inside one transaction and returns the
// number of rows actually stamped.
func (s *SQLiteStore) markSynced(ctx context.Context, op string, n int, stmt string, args func(i int) []interface{}, at time.Time) (int64, error) {
	if n == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, Wrap(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return 0, Wrap(op, fmt.Errorf("failed to prepare: %w", err))
	}
	defer prepared.Close()

	stamp := toNanos(at)
	var marked int64
	for i := 0; i < n; i++ {
		res, err := prepared.ExecContext(ctx, append([]interface{}{stamp}, args(i)...)...)
		if err != nil {
			return 0, Wrap(op, fmt.Errorf("failed to mark row synced: %w", err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, Wrap(op, err)
		}
		marked += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, Wrap(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return marked, nil
}
