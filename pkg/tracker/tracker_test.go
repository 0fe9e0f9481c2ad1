package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/thingdb/pkg/id"
	"github.com/dan-solli/thingdb/pkg/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tracker.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newGenerator(t *testing.T) *id.Generator {
	t.Helper()
	g, err := id.NewGenerator(1)
	require.NoError(t, err)
	return g
}

type failingEventStore struct{ calls int32 }

func (f *failingEventStore) InsertEvent(ctx context.Context, e *store.Event) error {
	atomic.AddInt32(&f.calls, 1)
	return store.Unavailable("record", errors.New("disk full"))
}

func (f *failingEventStore) RecentEvents(ctx context.Context, ns, event string, limit int) ([]*store.Event, error) {
	return nil, nil
}

func TestEvents_Record(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var notified int32
	events := NewEvents(s, newGenerator(t), Options{Notify: func() { atomic.AddInt32(&notified, 1) }})

	first := events.Record(ctx, EventInput{NS: "ex.com", Actor: "user/alice", Event: "Post.published", Object: "https://ex.com/Post/hello"})
	second := events.Record(ctx, EventInput{NS: "ex.com", Actor: "user/alice", Event: "Post.published", ResultData: map[string]interface{}{"ok": true}})
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Greater(t, second.ID, first.ID, "ids are time ordered")
	assert.Equal(t, int32(2), atomic.LoadInt32(&notified))

	recent, err := events.Recent(ctx, "ex.com", "Post.published", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, true, recent[0].ResultData["ok"])
}

func TestEvents_RecordNeverFails(t *testing.T) {
	f := &failingEventStore{}
	events := NewEvents(f, newGenerator(t), Options{})

	ev := events.Record(context.Background(), EventInput{NS: "n", Actor: "a", Event: "e"})
	assert.NotNil(t, ev)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.calls), "failed events are not retried")

	assert.Nil(t, events.Record(context.Background(), EventInput{NS: "n", Event: "e"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.calls))
}

func TestEvents_Go(t *testing.T) {
	s := newTestStore(t)
	events := NewEvents(s, newGenerator(t), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		events.Go(ctx, EventInput{NS: "ex.com", Actor: "a", Event: "view"})
	}
	cancel()
	events.Wait()

	recent, err := events.Recent(context.Background(), "ex.com", "view", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 5)
}

func TestCanTransition(t *testing.T) {
	all := []store.ActionStatus{store.ActionPending, store.ActionActive, store.ActionCompleted, store.ActionFailed, store.ActionCancelled}
	allowed := map[[2]store.ActionStatus]bool{
		{store.ActionPending, store.ActionActive}:    true,
		{store.ActionPending, store.ActionCancelled}: true,
		{store.ActionActive, store.ActionCompleted}:  true,
		{store.ActionActive, store.ActionFailed}:     true,
		{store.ActionActive, store.ActionCancelled}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]store.ActionStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestActions_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	actions := NewActions(s, Options{})
	ctx := context.Background()

	a, err := actions.Create(ctx, "user/alice", "https://ex.com/Doc/guide", "render", map[string]interface{}{"priority": 1})
	require.NoError(t, err)
	assert.Equal(t, store.ActionPending, a.Status)
	assert.NotEmpty(t, a.ID)

	// From pending only start and cancel succeed.
	_, err = actions.Complete(ctx, a.ID, nil)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = actions.Fail(ctx, a.ID, "nope")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := actions.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionPending, got.Status, "rejected transitions leave status unchanged")

	started, err := actions.Start(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionActive, started.Status)
	require.NotNil(t, started.StartedAt)

	_, err = actions.Start(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	done, err := actions.Complete(ctx, a.ID, map[string]interface{}{"bytes": 42})
	require.NoError(t, err)
	assert.Equal(t, store.ActionCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, *started.StartedAt, *done.StartedAt, "startedAt is set once")
	assert.Equal(t, float64(42), done.Result["bytes"])

	// Terminal: nothing moves.
	for _, fn := range []func(context.Context, string) (*store.Action, error){actions.Start, actions.Cancel} {
		_, err := fn(ctx, a.ID)
		var e *store.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, store.CodeInvalidTransition, e.Code)
		assert.Contains(t, e.Message, "from completed")
	}
}

func TestActions_FailAndCancel(t *testing.T) {
	s := newTestStore(t)
	actions := NewActions(s, Options{})
	ctx := context.Background()

	a, err := actions.Create(ctx, "a", "o", "build", nil)
	require.NoError(t, err)
	cancelled, err := actions.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Nil(t, cancelled.StartedAt)

	b, err := actions.Create(ctx, "a", "o", "build", nil)
	require.NoError(t, err)
	_, err = actions.Start(ctx, b.ID)
	require.NoError(t, err)
	failed, err := actions.Fail(ctx, b.ID, "compiler crashed")
	require.NoError(t, err)
	assert.Equal(t, "compiler crashed", failed.Error)

	list, err := actions.List(ctx, store.ActionFilter{Status: store.ActionFailed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	_, err = actions.Start(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = actions.Create(ctx, "", "o", "build", nil)
	assert.Error(t, err)
}
