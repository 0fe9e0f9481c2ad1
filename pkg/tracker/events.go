// Package tracker records the immutable activity log and drives the Action
// lifecycle state machine on top of the durable store.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dan-solli/thingdb/pkg/id"
	"github.com/dan-solli/thingdb/pkg/logger"
	"github.com/dan-solli/thingdb/pkg/metrics"
	"github.com/dan-solli/thingdb/pkg/store"
)

// EventStore persists events.
type EventStore interface {
	InsertEvent(ctx context.Context, e *store.Event) error
	RecentEvents(ctx context.Context, ns, event string, limit int) ([]*store.Event, error)
}

// Options configures Events and Actions.
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Collector

	// Notify is called after every successful write, typically syncer.Engine.Trigger.
	Notify func()
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoopCollector()
	}
	if o.Notify == nil {
		o.Notify = func() {}
	}
	return o
}

// EventInput is one Actor-Event-Object-Result entry to record.
// NS, Actor and Event are required.
type EventInput struct {
	NS         string
	Actor      string
	ActorData  map[string]interface{}
	Event      string
	Object     string
	ObjectData map[string]interface{}
	Result     string
	ResultData map[string]interface{}
}

// Events is the fire-and-forget activity recorder.
type Events struct {
	store EventStore
	ids   *id.Generator
	opts  Options

	wg sync.WaitGroup
}

func NewEvents(s EventStore, ids *id.Generator, opts Options) *Events {
	return &Events{store: s, ids: ids, opts: opts.withDefaults()}
}

// Record stores an event and returns it. It never fails: invalid input and
// storage errors are logged and dropped, never retried. The returned event is
// nil only when a required field is missing.
func (e *Events) Record(ctx context.Context, in EventInput) *store.Event {
	if in.NS == "" || in.Actor == "" || in.Event == "" {
		e.opts.Logger.WarnContext(ctx, "dropping event with missing fields",
			"ns", in.NS, "actor", in.Actor, "event", in.Event)
		e.opts.Metrics.RecordError(ctx, "record_event", "invalid")
		return nil
	}

	ev := &store.Event{
		ID:         e.ids.New(),
		NS:         in.NS,
		Actor:      in.Actor,
		ActorData:  in.ActorData,
		Event:      in.Event,
		Object:     in.Object,
		ObjectData: in.ObjectData,
		Result:     in.Result,
		ResultData: in.ResultData,
	}

	start := time.Now()
	if err := e.store.InsertEvent(ctx, ev); err != nil {
		e.opts.Logger.WarnContext(ctx, "failed to record event",
			"ns", ev.NS, "event", ev.Event, "event_id", ev.ID, "error", err)
		e.opts.Metrics.RecordOperation(ctx, "record_event", "error", time.Since(start).Milliseconds())
		e.opts.Metrics.RecordError(ctx, "record_event", store.Classify(err))
		return ev
	}
	e.opts.Metrics.RecordOperation(ctx, "record_event", "success", time.Since(start).Milliseconds())
	e.opts.Notify()
	return ev
}

// Go records in the background. The caller's cancellation does not abort the write.
func (e *Events) Go(ctx context.Context, in EventInput) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Record(ctx, in)
	}()
}

// Wait blocks until every event started with Go has been written.
func (e *Events) Wait() {
	e.wg.Wait()
}

// Recent returns the newest events of one type in a namespace.
func (e *Events) Recent(ctx context.Context, ns, event string, limit int) ([]*store.Event, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{NS: ns})
	events, err := e.store.RecentEvents(ctx, ns, event, limit)
	if err != nil {
		e.opts.Logger.DebugContext(ctx, "recent events failed", "error", err)
		return nil, err
	}
	return events, nil
}
