package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const artifactColumns = "key, type, source, source_hash, content, size, expires_at, created_at, synced_at"

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a         Artifact
		typ       string
		expiresAt sql.NullInt64
		created   int64
		syncedAt  sql.NullInt64
	)
	if err := row.Scan(&a.Key, &typ, &a.Source, &a.SourceHash, &a.Content, &a.Size,
		&expiresAt, &created, &syncedAt); err != nil {
		return nil, err
	}
	a.Type = ArtifactType(typ)
	a.ExpiresAt = timePtr(expiresAt)
	a.CreatedAt = fromNanos(created)
	a.SyncedAt = timePtr(syncedAt)
	return &a, nil
}

func scanArtifacts(rows *sql.Rows) ([]*Artifact, error) {
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return out, nil
}

// GetArtifact returns the artifact stored for (source, type), expired or not.
// Freshness is judged by the cache.
func (s *SQLiteStore) GetArtifact(ctx context.Context, source string, typ ArtifactType) (*Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		"SELECT "+artifactColumns+" FROM artifacts WHERE source = ? AND type = ?", source, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("get_artifact", source+"#"+string(typ))
	}
	if err != nil {
		return nil, Wrap("get_artifact", fmt.Errorf("failed to get artifact: %w", err))
	}
	return a, nil
}

// PutArtifact stores a, replacing whatever was stored for (source, type).
func (s *SQLiteStore) PutArtifact(ctx context.Context, a *Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (key, type, source, source_hash, content, size, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, type) DO UPDATE SET
		     key = excluded.key,
		     source_hash = excluded.source_hash,
		     content = excluded.content,
		     size = excluded.size,
		     expires_at = excluded.expires_at,
		     created_at = excluded.created_at,
		     synced_at = NULL`,
		a.Key, string(a.Type), a.Source, a.SourceHash, a.Content, a.Size,
		nullNanos(a.ExpiresAt), toNanos(a.CreatedAt))
	if err != nil {
		return Wrap("put_artifact", fmt.Errorf("failed to store artifact: %w", err))
	}
	return nil
}

// DeleteArtifacts removes the artifacts of source, restricted to types when given.
func (s *SQLiteStore) DeleteArtifacts(ctx context.Context, source string, types ...ArtifactType) (int, error) {
	q := "DELETE FROM artifacts WHERE source = ?"
	args := []interface{}{source}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		q += " AND type IN (" + strings.Join(marks, ", ") + ")"
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, Wrap("invalidate", fmt.Errorf("failed to delete artifacts: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, Wrap("invalidate", err)
	}
	return int(n), nil
}

// ListArtifacts returns every artifact derived from tag (the source url).
func (s *SQLiteStore) ListArtifacts(ctx context.Context, tag string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+artifactColumns+" FROM artifacts WHERE source = ? ORDER BY type", tag)
	if err != nil {
		return nil, Wrap("list_artifacts", fmt.Errorf("failed to list artifacts: %w", err))
	}
	artifacts, err := scanArtifacts(rows)
	if err != nil {
		return nil, Wrap("list_artifacts", err)
	}
	return artifacts, nil
}

// DeleteExpiredArtifacts removes rows whose expires_at is strictly before now.
// A row written concurrently with a later expiry is never matched.
func (s *SQLiteStore) DeleteExpiredArtifacts(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at < ?", toNanos(now))
	if err != nil {
		return 0, Wrap("sweep", fmt.Errorf("failed to delete expired artifacts: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, Wrap("sweep", err)
	}
	return int(n), nil
}
