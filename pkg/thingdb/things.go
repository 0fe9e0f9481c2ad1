package thingdb

import (
	"context"

	"github.com/dan-solli/thingdb/pkg/store"
)

// Writes through DB wake the sync engine on success; reads go straight to the
// durable store.

func (db *DB) Create(ctx context.Context, in store.NewThing) (*store.Thing, error) {
	return notify(db, func() (*store.Thing, error) { return db.store.Create(ctx, in) })
}

func (db *DB) Update(ctx context.Context, key store.Key, expectedVersion int64, patch store.ThingPatch) (*store.Thing, error) {
	return notify(db, func() (*store.Thing, error) { return db.store.Update(ctx, key, expectedVersion, patch) })
}

func (db *DB) Upsert(ctx context.Context, in store.NewThing) (*store.Thing, error) {
	return notify(db, func() (*store.Thing, error) { return db.store.Upsert(ctx, in) })
}

func (db *DB) Delete(ctx context.Context, key store.Key) (bool, error) {
	return notify(db, func() (bool, error) { return db.store.Delete(ctx, key) })
}

func (db *DB) Relate(ctx context.Context, from store.Key, predicate string, to store.Key, opts store.RelateOptions) (*store.Relationship, error) {
	return notify(db, func() (*store.Relationship, error) { return db.store.Relate(ctx, from, predicate, to, opts) })
}

func (db *DB) Unrelate(ctx context.Context, from store.Key, predicate string, to store.Key) (bool, error) {
	return notify(db, func() (bool, error) { return db.store.Unrelate(ctx, from, predicate, to) })
}

func (db *DB) Get(ctx context.Context, key store.Key) (*store.Thing, error) {
	return db.store.Get(ctx, key)
}

func (db *DB) List(ctx context.Context, opts store.ListOptions) ([]*store.Thing, error) {
	return db.store.List(ctx, opts)
}

func (db *DB) Traverse(ctx context.Context, key store.Key, predicate string, dir store.Direction) ([]*store.Thing, error) {
	return db.store.Traverse(ctx, key, predicate, dir)
}

func notify[T any](db *DB, write func() (T, error)) (T, error) {
	v, err := write()
	if err == nil {
		db.engine.Trigger()
	}
	return v, err
}
