package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dan-solli/thingdb/pkg/schema"
)

// testClock advances one millisecond per reading so timestamps are distinct and ordered.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), Options{Now: newTestClock().Now})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreate(t *testing.T, s *SQLiteStore, ns, typ, id string, data map[string]interface{}) *Thing {
	t.Helper()
	thing, err := s.Create(context.Background(), NewThing{NS: ns, Type: typ, ID: id, Data: data})
	if err != nil {
		t.Fatalf("Create(%s/%s/%s) failed: %v", ns, typ, id, err)
	}
	return thing
}

func TestOpenSQLite_InMemory(t *testing.T) {
	store, err := OpenSQLite(context.Background(), ":memory:", Options{})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer store.Close()

	if got := store.DB().Stats().MaxOpenConnections; got != 1 {
		t.Errorf("in-memory store should pin one connection, got %d", got)
	}

	var version int
	if err := store.DB().QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != schema.Version {
		t.Errorf("user_version = %d, want %d", version, schema.Version)
	}
}

// TestPersistence tests that data persists across store close/reopen.
func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := OpenSQLite(ctx, dbPath, Options{})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	mustCreate(t, store, "ex.com", "Post", "hello", map[string]interface{}{"title": "Hello"})
	store.Close()

	reopened, err := OpenSQLite(ctx, dbPath, Options{})
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, Key{NS: "ex.com", Type: "Post", ID: "hello"})
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Data["title"] != "Hello" {
		t.Errorf("title = %v, want Hello", got.Data["title"])
	}
}

func TestMigration_AddsMissingColumnAndKeepsUnknown(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// A version 1 database: no synced_at on things, plus a column this code does not know.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE things (ns TEXT NOT NULL, type TEXT NOT NULL, id TEXT NOT NULL, url TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}', content TEXT NOT NULL DEFAULT '', context TEXT,
			version INTEGER NOT NULL DEFAULT 1, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL,
			deleted_at INTEGER, legacy_flag INTEGER, PRIMARY KEY (ns, type, id))`,
		`INSERT INTO things (ns, type, id, url, created_at, updated_at, legacy_flag)
			VALUES ('ex.com', 'Post', 'old', 'https://ex.com/Post/old', 1, 1, 7)`,
		"PRAGMA user_version = 1",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	db.Close()

	store, err := OpenSQLite(ctx, dbPath, Options{})
	if err != nil {
		t.Fatalf("OpenSQLite on old database failed: %v", err)
	}
	defer store.Close()

	var legacy int
	if err := store.DB().QueryRow("SELECT legacy_flag FROM things WHERE id = 'old'").Scan(&legacy); err != nil {
		t.Fatalf("legacy column lost: %v", err)
	}
	if legacy != 7 {
		t.Errorf("legacy_flag = %d, want 7", legacy)
	}

	// The old row is pending sync because synced_at was added as NULL.
	pending, err := store.PendingThings(ctx, 10)
	if err != nil {
		t.Fatalf("PendingThings failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "old" {
		t.Errorf("expected the migrated row to be pending, got %v", pending)
	}
}

func TestMigration_RefusesNewerDatabase(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "future.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 999"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	db.Close()

	_, err = OpenSQLite(ctx, dbPath, Options{})
	var future *schema.ErrFutureVersion
	if !errors.As(err, &future) {
		t.Fatalf("expected ErrFutureVersion, got %v", err)
	}
}

func TestCounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "ex.com", "Post", "a", nil)
	mustCreate(t, s, "ex.com", "Post", "b", nil)
	if _, err := s.Delete(ctx, Key{NS: "ex.com", Type: "Post", ID: "b"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[schema.TableThings] != 1 {
		t.Errorf("things = %d, want 1", counts[schema.TableThings])
	}
}

// explain returns the query plan details for q.
func explain(t *testing.T, s *SQLiteStore, q string, args ...interface{}) string {
	t.Helper()
	rows, err := s.DB().Query("EXPLAIN QUERY PLAN "+q, args...)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	defer rows.Close()

	var details []string
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan: %v", err)
		}
		details = append(details, detail)
	}
	return strings.Join(details, "\n")
}
