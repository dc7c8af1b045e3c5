// Package memory implements the store contract in process memory with the
// same conditional and ADD semantics as the DynamoDB adapter. It backs the
// embedded limiter mode and the test suite, and records a change-stream so
// the reconciliation worker can run against it.
package memory

import (
	"context"
	"sync"

	"limitd/internal/bucket"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

// Memory stores all record kinds behind one mutex.
type Memory struct {
	mu         sync.Mutex
	buckets    map[string]*bucket.Record
	entities   map[string]ratelimiter.Entity
	configs    map[string]store.LimitConfig
	namespaces map[string]store.Namespace
	snapshots  map[string]map[string]int64
	events     []bucket.ChangeEvent
}

var _ store.Store = (*Memory)(nil)

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		buckets:    map[string]*bucket.Record{},
		entities:   map[string]ratelimiter.Entity{},
		configs:    map[string]store.LimitConfig{},
		namespaces: map[string]store.Namespace{},
		snapshots:  map[string]map[string]int64{},
	}
}

// GetBucket returns a copy of the composite record.
func (m *Memory) GetBucket(_ context.Context, key bucket.Key) (bucket.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.buckets[bucketKey(key)]
	if !ok {
		return bucket.Record{}, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// QueryResourceBuckets scans the resource index.
func (m *Memory) QueryResourceBuckets(_ context.Context, namespace, resource string) ([]bucket.Record, error) {
	want := bucket.Key{Namespace: namespace, Resource: resource}.ResourceIndexKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bucket.Record
	for _, rec := range m.buckets {
		if rec.Key.ResourceIndexKey() == want {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// DrainEvents returns and clears the recorded change-stream.
func (m *Memory) DrainEvents() []bucket.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

// recordEvent appends a change-stream entry. Caller holds the mutex.
func (m *Memory) recordEvent(name string, old, updated *bucket.Record) {
	ev := bucket.ChangeEvent{EventName: name}
	if old != nil {
		ev.Old = bucket.EncodeImage(*old)
	}
	if updated != nil {
		ev.New = bucket.EncodeImage(*updated)
	}
	m.events = append(m.events, ev)
}

func bucketKey(key bucket.Key) string {
	return key.PK() + "|" + key.SK()
}
