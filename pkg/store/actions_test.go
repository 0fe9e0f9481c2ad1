package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransitionAction(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := &Action{ID: "a1", Actor: "user/alice", Object: "https://ex.com/Post/hello", Action: "publish", Status: ActionPending}
	if err := s.InsertAction(ctx, a); err != nil {
		t.Fatalf("InsertAction failed: %v", err)
	}

	active, err := s.TransitionAction(ctx, "a1", ActionPending, ActionActive, ActionPatch{})
	if err != nil {
		t.Fatalf("TransitionAction failed: %v", err)
	}
	if active.Status != ActionActive || active.StartedAt == nil || active.CompletedAt != nil {
		t.Errorf("unexpected action after start: %+v", active)
	}

	// The stored status is no longer pending.
	_, err = s.TransitionAction(ctx, "a1", ActionPending, ActionActive, ActionPatch{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	done, err := s.TransitionAction(ctx, "a1", ActionActive, ActionCompleted, ActionPatch{Result: map[string]interface{}{"ok": true}})
	if err != nil {
		t.Fatalf("TransitionAction failed: %v", err)
	}
	if done.CompletedAt == nil || done.Result["ok"] != true {
		t.Errorf("unexpected completed action: %+v", done)
	}
	if !done.StartedAt.Equal(*active.StartedAt) {
		t.Error("startedAt must not change after it is set")
	}

	if _, err := s.TransitionAction(ctx, "missing", ActionPending, ActionActive, ActionPatch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, a := range []*Action{
		{ID: "1", Actor: "alice", Object: "o", Action: "build", Status: ActionPending},
		{ID: "2", Actor: "bob", Object: "o", Action: "build", Status: ActionPending},
		{ID: "3", Actor: "alice", Object: "o", Action: "deploy", Status: ActionPending, Metadata: map[string]interface{}{"env": "prod"}},
	} {
		if err := s.InsertAction(ctx, a); err != nil {
			t.Fatalf("InsertAction failed: %v", err)
		}
	}
	if _, err := s.TransitionAction(ctx, "1", ActionPending, ActionCancelled, ActionPatch{}); err != nil {
		t.Fatalf("TransitionAction failed: %v", err)
	}

	pending, err := s.ListActions(ctx, ActionFilter{Status: ActionPending, Actor: "alice"})
	if err != nil {
		t.Fatalf("ListActions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "3" {
		t.Fatalf("unexpected actions: %+v", pending)
	}
	if pending[0].Metadata["env"] != "prod" {
		t.Errorf("metadata lost: %v", pending[0].Metadata)
	}

	if err := s.InsertAction(ctx, &Action{ID: "1", Actor: "x", Object: "o", Action: "a", Status: ActionPending}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate id, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, e := range []*Event{
		{ID: 1, NS: "ex.com", Actor: "alice", Event: "Post.published", Object: "p1", Timestamp: base},
		{ID: 2, NS: "ex.com", Actor: "alice", Event: "Post.published", Object: "p2", Timestamp: base.Add(time.Minute)},
		{ID: 3, NS: "ex.com", Actor: "bob", Event: "User.login", Timestamp: base.Add(2 * time.Minute)},
		{ID: 4, NS: "other.com", Actor: "eve", Event: "Post.published", Timestamp: base.Add(3 * time.Minute),
			ResultData: map[string]interface{}{"views": 0.0}},
	} {
		if err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent %d failed: %v", i, err)
		}
	}

	recent, err := s.RecentEvents(ctx, "ex.com", "Post.published", 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != 2 || recent[1].ID != 1 {
		t.Fatalf("unexpected events: %+v", recent)
	}
	if !recent[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("ts = %v", recent[0].Timestamp)
	}

	all, err := s.RecentEvents(ctx, "ex.com", "", 10)
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("namespace scan returned %d events, want 3", len(all))
	}

	if err := s.InsertEvent(ctx, &Event{ID: 1, NS: "ex.com", Actor: "x", Event: "y"}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for a reused id, got %v", err)
	}
}

func TestArtifacts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	put := func(typ ArtifactType, hash string, expires *time.Time) {
		t.Helper()
		err := s.PutArtifact(ctx, &Artifact{
			Key: "k-" + string(typ) + "-" + hash, Type: typ, Source: "https://ex.com/Post/a",
			SourceHash: hash, Content: []byte(hash), Size: int64(len(hash)), ExpiresAt: expires, CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("PutArtifact failed: %v", err)
		}
	}

	put(ArtifactHTML, "h1", nil)
	put(ArtifactHTML, "h2", &future)
	put(ArtifactESM, "h1", &past)

	got, err := s.GetArtifact(ctx, "https://ex.com/Post/a", ArtifactHTML)
	if err != nil {
		t.Fatalf("GetArtifact failed: %v", err)
	}
	if got.SourceHash != "h2" || string(got.Content) != "h2" || got.ExpiresAt == nil {
		t.Errorf("put should overwrite the slot, got %+v", got)
	}

	list, err := s.ListArtifacts(ctx, "https://ex.com/Post/a")
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("listed %d artifacts, want 2", len(list))
	}

	swept, err := s.DeleteExpiredArtifacts(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredArtifacts failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept %d, want 1", swept)
	}
	if _, err := s.GetArtifact(ctx, "https://ex.com/Post/a", ArtifactESM); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired artifact should be swept, got %v", err)
	}

	n, err := s.DeleteArtifacts(ctx, "https://ex.com/Post/a")
	if err != nil {
		t.Fatalf("DeleteArtifacts failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}
