package memory

import (
	"context"

	"limitd/internal/bucket"
	"limitd/internal/store"
)

// CreateBucket writes a brand-new composite record.
func (m *Memory) CreateBucket(_ context.Context, rec bucket.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bucketKey(rec.Key)
	if _, ok := m.buckets[k]; ok {
		return store.ErrAlreadyExists
	}
	stored := rec.Clone()
	m.buckets[k] = &stored
	m.recordEvent("INSERT", nil, &stored)
	return nil
}

// NormalConsume applies the optimistic-lock plus floor-guard write shape.
func (m *Memory) NormalConsume(_ context.Context, key bucket.Key, expectedRefillMs, nowMs int64, debits []store.Debit, expiresAt int64) (store.ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.buckets[bucketKey(key)]
	if !ok {
		return store.ConsumeResult{}, store.ErrConditionFailed
	}
	pre := rec.Clone()
	if rec.LastRefillMs != expectedRefillMs {
		return store.ConsumeResult{Image: pre, HasImage: true}, store.ErrConditionFailed
	}
	for _, d := range debits {
		i, ok := rec.Find(d.Name)
		if !ok {
			return store.ConsumeResult{Image: pre, HasImage: true}, store.ErrConditionFailed
		}
		// Zero-consumed limits only collect refill; no floor guard.
		if d.ConsumedMilli > 0 && rec.Limits[i].TokensMilli < d.FloorMilli() {
			return store.ConsumeResult{Image: pre, HasImage: true}, store.ErrConditionFailed
		}
	}
	rec.LastRefillMs = nowMs
	if expiresAt > 0 {
		rec.ExpiresAtUnix = expiresAt
	}
	for _, d := range debits {
		i, _ := rec.Find(d.Name)
		rec.Limits[i].TokensMilli += d.RefillMilli - d.ConsumedMilli
		rec.Limits[i].TotalConsumedMilli += d.ConsumedMilli
	}
	post := rec.Clone()
	m.recordEvent("MODIFY", &pre, &post)
	return store.ConsumeResult{Image: post, HasImage: true}, nil
}

// SpeculativeConsume admits or rejects without a prior read. All requested
// limits must pass or none are debited.
func (m *Memory) SpeculativeConsume(_ context.Context, key bucket.Key, requests []store.Delta) (store.ConsumeResult, error) {
	return m.conditionedAdd(key, requests)
}

// RetryConsume re-applies a debit gated on sufficient current tokens.
func (m *Memory) RetryConsume(_ context.Context, key bucket.Key, requests []store.Delta) (store.ConsumeResult, error) {
	return m.conditionedAdd(key, requests)
}

func (m *Memory) conditionedAdd(key bucket.Key, requests []store.Delta) (store.ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.buckets[bucketKey(key)]
	if !ok {
		// Missing item: the condition fails and no image comes back.
		return store.ConsumeResult{}, store.ErrConditionFailed
	}
	pre := rec.Clone()
	for _, r := range requests {
		i, ok := rec.Find(r.Name)
		if !ok || rec.Limits[i].TokensMilli < r.DeltaMilli {
			return store.ConsumeResult{Image: pre, HasImage: true}, store.ErrConditionFailed
		}
	}
	for _, r := range requests {
		i, _ := rec.Find(r.Name)
		rec.Limits[i].TokensMilli -= r.DeltaMilli
		rec.Limits[i].TotalConsumedMilli += r.DeltaMilli
	}
	post := rec.Clone()
	m.recordEvent("MODIFY", &pre, &post)
	return store.ConsumeResult{Image: post, HasImage: true}, nil
}

// Adjust is the unconditioned commutative ADD.
func (m *Memory) Adjust(_ context.Context, key bucket.Key, deltas []store.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.buckets[bucketKey(key)]
	if !ok {
		return store.ErrNotFound
	}
	pre := rec.Clone()
	for _, d := range deltas {
		i, ok := rec.Find(d.Name)
		if !ok {
			continue
		}
		rec.Limits[i].TokensMilli -= d.DeltaMilli
		rec.Limits[i].TotalConsumedMilli += d.DeltaMilli
	}
	post := rec.Clone()
	m.recordEvent("MODIFY", &pre, &post)
	return nil
}

// CatchUpRefill applies the reconciliation worker's ADD-only catch-up,
// gated on the refill clock being unchanged since it was observed.
func (m *Memory) CatchUpRefill(_ context.Context, key bucket.Key, observedRefillMs, nowMs int64, refills []store.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.buckets[bucketKey(key)]
	if !ok {
		return store.ErrConditionFailed
	}
	if rec.LastRefillMs != observedRefillMs {
		return store.ErrConditionFailed
	}
	pre := rec.Clone()
	rec.LastRefillMs = nowMs
	for _, r := range refills {
		if r.DeltaMilli < 0 {
			continue
		}
		if i, ok := rec.Find(r.Name); ok {
			rec.Limits[i].TokensMilli += r.DeltaMilli
		}
	}
	post := rec.Clone()
	m.recordEvent("MODIFY", &pre, &post)
	return nil
}
