package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dan-solli/thingdb/pkg/store"
)

// MemoryBackend keeps artifacts in a map for single-process use.
type MemoryBackend struct {
	mu    sync.RWMutex
	slots map[string]map[store.ArtifactType]*store.Artifact // source -> type
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: make(map[string]map[store.ArtifactType]*store.Artifact)}
}

func clone(a *store.Artifact) *store.Artifact {
	cp := *a
	cp.Content = append([]byte(nil), a.Content...)
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func (m *MemoryBackend) GetArtifact(ctx context.Context, source string, typ store.ArtifactType) (*store.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.slots[source][typ]
	if !ok {
		return nil, store.NotFound("get_artifact", source+"#"+string(typ))
	}
	return clone(a), nil
}

func (m *MemoryBackend) PutArtifact(ctx context.Context, a *store.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	types, ok := m.slots[a.Source]
	if !ok {
		types = make(map[store.ArtifactType]*store.Artifact)
		m.slots[a.Source] = types
	}
	types[a.Type] = clone(a)
	return nil
}

func (m *MemoryBackend) DeleteArtifacts(ctx context.Context, source string, types ...store.ArtifactType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[source]
	if !ok {
		return 0, nil
	}
	if len(types) == 0 {
		delete(m.slots, source)
		return len(slot), nil
	}

	n := 0
	for _, t := range types {
		if _, ok := slot[t]; ok {
			delete(slot, t)
			n++
		}
	}
	if len(slot) == 0 {
		delete(m.slots, source)
	}
	return n, nil
}

func (m *MemoryBackend) ListArtifacts(ctx context.Context, tag string) ([]*store.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*store.Artifact
	for _, a := range m.slots[tag] {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *MemoryBackend) DeleteExpiredArtifacts(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for source, slot := range m.slots {
		for t, a := range slot {
			if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
				delete(slot, t)
				n++
			}
		}
		if len(slot) == 0 {
			delete(m.slots, source)
		}
	}
	return n, nil
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*store.SQLiteStore)(nil)
)
