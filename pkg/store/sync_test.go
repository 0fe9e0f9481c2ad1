package store

import (
	"context"
	"testing"
	"time"
)

func TestPendingThings_OldestFirstAndMark(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "ex.com", "Post", "b", nil)
	mustCreate(t, s, "ex.com", "Post", "a", nil)

	pending, err := s.PendingThings(ctx, 10)
	if err != nil {
		t.Fatalf("PendingThings failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "b" {
		t.Fatalf("expected creation order [b a], got %v", urls(pending))
	}

	marked, err := s.MarkThingsSynced(ctx, pending, time.Now())
	if err != nil {
		t.Fatalf("MarkThingsSynced failed: %v", err)
	}
	if marked != 2 {
		t.Errorf("marked %d, want 2", marked)
	}

	// A second mark of the same rows is a no-op.
	marked, err = s.MarkThingsSynced(ctx, pending, time.Now())
	if err != nil {
		t.Fatalf("MarkThingsSynced failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("re-marked %d rows, want 0", marked)
	}

	pending, err = s.PendingThings(ctx, 10)
	if err != nil {
		t.Fatalf("PendingThings failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected nothing pending, got %v", urls(pending))
	}
}

func TestMarkThingsSynced_SkipsRowsChangedMidSync(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	thing := mustCreate(t, s, "ex.com", "Post", "a", nil)
	batch, err := s.PendingThings(ctx, 10)
	if err != nil {
		t.Fatalf("PendingThings failed: %v", err)
	}

	// The row changes after the batch was read but before it was marked.
	if _, err := s.Update(ctx, thing.Key(), 1, ThingPatch{Data: map[string]interface{}{"v": 2}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	marked, err := s.MarkThingsSynced(ctx, batch, time.Now())
	if err != nil {
		t.Fatalf("MarkThingsSynced failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("marked %d, a changed row must stay pending", marked)
	}

	pending, err := s.PendingThings(ctx, 10)
	if err != nil {
		t.Fatalf("PendingThings failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Errorf("expected version 2 pending, got %+v", pending)
	}
}

func TestDelete_MakesSyncedThingPendingAgain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	post := mustCreate(t, s, "ex.com", "Post", "p", nil)
	alice := mustCreate(t, s, "ex.com", "User", "alice", nil)
	if _, err := s.Relate(ctx, post.Key(), "author", alice.Key(), RelateOptions{}); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}

	things, _ := s.PendingThings(ctx, 10)
	rels, _ := s.PendingRelationships(ctx, 10)
	if _, err := s.MarkThingsSynced(ctx, things, time.Now()); err != nil {
		t.Fatalf("MarkThingsSynced failed: %v", err)
	}
	if _, err := s.MarkRelationshipsSynced(ctx, rels, time.Now()); err != nil {
		t.Fatalf("MarkRelationshipsSynced failed: %v", err)
	}

	if _, err := s.Delete(ctx, post.Key()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	things, err := s.PendingThings(ctx, 10)
	if err != nil {
		t.Fatalf("PendingThings failed: %v", err)
	}
	if len(things) != 1 || !things[0].Deleted() {
		t.Errorf("expected the deletion pending, got %+v", things)
	}
	rels, err = s.PendingRelationships(ctx, 10)
	if err != nil {
		t.Fatalf("PendingRelationships failed: %v", err)
	}
	if len(rels) != 1 || rels[0].DeletedAt == nil {
		t.Errorf("expected the cascaded edge deletion pending, got %+v", rels)
	}
}

func TestPendingEventsActionsArtifacts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.InsertEvent(ctx, &Event{ID: 10, NS: "ex.com", Actor: "a", Event: "e"}); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	if err := s.InsertAction(ctx, &Action{ID: "x", Actor: "a", Object: "o", Action: "build", Status: ActionPending}); err != nil {
		t.Fatalf("InsertAction failed: %v", err)
	}
	if err := s.PutArtifact(ctx, &Artifact{Key: "k", Type: ArtifactHTML, Source: "s", SourceHash: "h", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("PutArtifact failed: %v", err)
	}

	events, err := s.PendingEvents(ctx, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("PendingEvents = %v, %v", events, err)
	}
	actions, err := s.PendingActions(ctx, 10)
	if err != nil || len(actions) != 1 {
		t.Fatalf("PendingActions = %v, %v", actions, err)
	}
	artifacts, err := s.PendingArtifacts(ctx, 10)
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("PendingArtifacts = %v, %v", artifacts, err)
	}

	// The action moves on before its batch is marked.
	if _, err := s.TransitionAction(ctx, "x", ActionPending, ActionActive, ActionPatch{}); err != nil {
		t.Fatalf("TransitionAction failed: %v", err)
	}

	now := time.Now()
	if n, err := s.MarkEventsSynced(ctx, events, now); err != nil || n != 1 {
		t.Errorf("MarkEventsSynced = %d, %v", n, err)
	}
	if n, err := s.MarkActionsSynced(ctx, actions, now); err != nil || n != 0 {
		t.Errorf("MarkActionsSynced = %d, %v; the transitioned action must stay pending", n, err)
	}
	if n, err := s.MarkArtifactsSynced(ctx, artifacts, now); err != nil || n != 1 {
		t.Errorf("MarkArtifactsSynced = %d, %v", n, err)
	}

	actions, err = s.PendingActions(ctx, 10)
	if err != nil || len(actions) != 1 || actions[0].Status != ActionActive {
		t.Errorf("expected the active revision pending, got %+v, %v", actions, err)
	}
}
