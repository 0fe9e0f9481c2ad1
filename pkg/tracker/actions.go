package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/thingdb/pkg/logger"
	"github.com/dan-solli/thingdb/pkg/store"
)

// ActionStore persists actions. TransitionAction must be a compare-and-swap on
// the current status.
type ActionStore interface {
	InsertAction(ctx context.Context, a *store.Action) error
	GetAction(ctx context.Context, id string) (*store.Action, error)
	ListActions(ctx context.Context, f store.ActionFilter) ([]*store.Action, error)
	TransitionAction(ctx context.Context, id string, from, to store.ActionStatus, patch store.ActionPatch) (*store.Action, error)
}

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[store.ActionStatus][]store.ActionStatus{
	store.ActionPending: {store.ActionActive, store.ActionCancelled},
	store.ActionActive:  {store.ActionCompleted, store.ActionFailed, store.ActionCancelled},
}

// CanTransition reports whether an Action may move from one status to another.
func CanTransition(from, to store.ActionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Actions drives the Action lifecycle.
type Actions struct {
	store ActionStore
	opts  Options
}

func NewActions(s ActionStore, opts Options) *Actions {
	return &Actions{store: s, opts: opts.withDefaults()}
}

// Create stores a pending Action.
func (a *Actions) Create(ctx context.Context, actor, object, action string, metadata map[string]interface{}) (*store.Action, error) {
	if actor == "" || object == "" || action == "" {
		return nil, fmt.Errorf("actor, object and action are required")
	}

	act := &store.Action{
		ID:       uuid.NewString(),
		Actor:    actor,
		Object:   object,
		Action:   action,
		Status:   store.ActionPending,
		Metadata: metadata,
	}
	if err := a.store.InsertAction(ctx, act); err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{ActionID: act.ID})
	a.opts.Logger.DebugContext(ctx, "action created", "action", action, "object", object)
	a.opts.Notify()
	return act, nil
}

// Start moves a pending Action to active.
func (a *Actions) Start(ctx context.Context, id string) (*store.Action, error) {
	return a.transition(ctx, "start", id, store.ActionActive, store.ActionPatch{})
}

// Complete moves an active Action to completed with result.
func (a *Actions) Complete(ctx context.Context, id string, result map[string]interface{}) (*store.Action, error) {
	return a.transition(ctx, "complete", id, store.ActionCompleted, store.ActionPatch{Result: result})
}

// Fail moves an active Action to failed, recording errMsg.
func (a *Actions) Fail(ctx context.Context, id string, errMsg string) (*store.Action, error) {
	return a.transition(ctx, "fail", id, store.ActionFailed, store.ActionPatch{Error: errMsg})
}

// Cancel moves a pending or active Action to cancelled.
func (a *Actions) Cancel(ctx context.Context, id string) (*store.Action, error) {
	return a.transition(ctx, "cancel", id, store.ActionCancelled, store.ActionPatch{})
}

func (a *Actions) Get(ctx context.Context, id string) (*store.Action, error) {
	return a.store.GetAction(ctx, id)
}

func (a *Actions) List(ctx context.Context, f store.ActionFilter) ([]*store.Action, error) {
	return a.store.ListActions(ctx, f)
}

func (a *Actions) transition(ctx context.Context, op, id string, to store.ActionStatus, patch store.ActionPatch) (*store.Action, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ActionID: id})
	start := time.Now()

	current, err := a.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, to) {
		a.opts.Metrics.RecordError(ctx, op, store.ClassInvalidTransition)
		return nil, store.InvalidTransition(op, id, current.Status, to)
	}

	// A concurrent transition makes the swap fail with InvalidTransition.
	updated, err := a.store.TransitionAction(ctx, id, current.Status, to, patch)
	if err != nil {
		a.opts.Metrics.RecordError(ctx, op, store.Classify(err))
		return nil, err
	}

	a.opts.Metrics.RecordOperation(ctx, op, "success", time.Since(start).Milliseconds())
	a.opts.Logger.DebugContext(ctx, "action transitioned", "from", current.Status, "to", to)
	a.opts.Notify()
	return updated, nil
}
