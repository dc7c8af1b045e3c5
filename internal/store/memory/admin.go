package memory

import (
	"context"
	"strconv"

	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

// PutEntity writes an entity record, failing on duplicates.
func (m *Memory) PutEntity(_ context.Context, namespace string, ent ratelimiter.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := namespace + "|" + ent.ID
	if _, ok := m.entities[k]; ok {
		return store.ErrAlreadyExists
	}
	m.entities[k] = ent
	return nil
}

// GetEntity reads an entity record.
func (m *Memory) GetEntity(_ context.Context, namespace, entityID string) (ratelimiter.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[namespace+"|"+entityID]
	if !ok {
		return ratelimiter.Entity{}, store.ErrNotFound
	}
	return ent, nil
}

// PutLimitConfig upserts a configuration record.
func (m *Memory) PutLimitConfig(_ context.Context, namespace string, cfg store.LimitConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[configKey(namespace, cfg.EntityID, cfg.Resource)] = cfg
	return nil
}

// GetLimitConfig reads one configuration scope.
func (m *Memory) GetLimitConfig(_ context.Context, namespace, entityID, resource string) (store.LimitConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[configKey(namespace, entityID, resource)]
	if !ok {
		return store.LimitConfig{}, store.ErrNotFound
	}
	return cfg, nil
}

// PutNamespace upserts the namespace registration record.
func (m *Memory) PutNamespace(_ context.Context, ns store.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[ns.Name] = ns
	return nil
}

// GetNamespace reads a namespace registration record.
func (m *Memory) GetNamespace(_ context.Context, name string) (store.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[name]
	if !ok {
		return store.Namespace{}, store.ErrNotFound
	}
	return ns, nil
}

// AddSnapshot accumulates a usage-window record.
func (m *Memory) AddSnapshot(_ context.Context, update store.SnapshotUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := update.Key.PK() + "|w|" + update.WindowType + "|" + strconv.FormatInt(update.WindowStart, 10) + "|" + update.Key.Resource
	counters, ok := m.snapshots[k]
	if !ok {
		counters = map[string]int64{}
		m.snapshots[k] = counters
	}
	for name, delta := range update.DeltasMilli {
		counters[name] += delta
	}
	counters["total_events"] += update.Events
	return nil
}

// Snapshot returns a copy of one usage-window record's counters.
func (m *Memory) Snapshot(key store.SnapshotUpdate) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.Key.PK() + "|w|" + key.WindowType + "|" + strconv.FormatInt(key.WindowStart, 10) + "|" + key.Key.Resource
	out := map[string]int64{}
	for name, v := range m.snapshots[k] {
		out[name] = v
	}
	return out
}

func configKey(namespace, entityID, resource string) string {
	return namespace + "|" + entityID + "|" + resource
}
