// Package store defines the adapter contract the engine and the
// reconciliation worker require of the backing key-value store: conditional
// point writes, atomic numeric ADD, optional per-item expiry, a secondary
// index per resource and a change-stream with before/after images.
package store

import (
	"context"
	"errors"

	"limitd/internal/bucket"
	"limitd/pkg/ratelimiter"
)

var (
	// ErrConditionFailed is the single taxonomy value for a failed
	// conditional write. The store does not disambiguate condition
	// clauses; callers compare the returned pre-image against the request
	// to tell capacity exhaustion from a stale optimistic lock.
	ErrConditionFailed = errors.New("store: condition failed")
	// ErrAlreadyExists reports a conflicting create.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("store: not found")
)

// Debit is one limit's share of a normal (read-then-write) consume. The
// floor guard is max(0, ConsumedMilli-RefillMilli): a concurrent
// speculative consume may have moved the token level without touching the
// refill clock, and the guard keeps a stale reader from over-admitting.
type Debit struct {
	Name          string
	ConsumedMilli int64
	RefillMilli   int64
}

// FloorMilli returns the minimum token level required for the debit to
// proceed.
func (d Debit) FloorMilli() int64 {
	floor := d.ConsumedMilli - d.RefillMilli
	if floor < 0 {
		return 0
	}
	return floor
}

// Delta is one limit's share of an ADD-based write: tokens decrease and the
// monotonic consumption counter increases by DeltaMilli. Negative values
// return tokens.
type Delta struct {
	Name       string
	DeltaMilli int64
}

// ConsumeResult reports a conditional consume. On success Image is the
// post-update record; on ErrConditionFailed it is the pre-update record
// when the store returned one (a missing item yields HasImage false).
type ConsumeResult struct {
	Image    bucket.Record
	HasImage bool
}

// LimitConfig is a configuration record. EntityID "" scopes the record as a
// resource-level default; Resource "*" additionally as the system default.
type LimitConfig struct {
	EntityID      string
	Resource      string
	Limits        []ratelimiter.Limit
	OnUnavailable ratelimiter.FailureMode
}

// Namespace is the control-plane registration record.
type Namespace struct {
	Name          string
	ID            string
	SchemaVersion int
}

// SnapshotUpdate is one usage-window accumulation: unconditioned ADDs into
// per-limit counters plus a total-events counter.
type SnapshotUpdate struct {
	Key         bucket.Key
	WindowType  string
	WindowStart int64
	DeltasMilli map[string]int64
	Events      int64
	ExpiresAt   int64
}

// Store is the capability contract for the backing store. All consumption
// writes are conditional or commutative ADDs; nothing outside Create ever
// writes an absolute token level.
type Store interface {
	// CreateBucket writes a brand-new composite record, failing with
	// ErrAlreadyExists when one is already present.
	CreateBucket(ctx context.Context, rec bucket.Record) error
	// GetBucket reads one composite record (ErrNotFound when absent).
	GetBucket(ctx context.Context, key bucket.Key) (bucket.Record, error)
	// NormalConsume applies a read-then-write consume: it requires the
	// refill clock to equal expectedRefillMs and every debited limit to
	// hold at least its floor guard, then advances the clock to nowMs and
	// ADDs refill minus consumption per limit. expiresAt refreshes the
	// item expiry when positive.
	NormalConsume(ctx context.Context, key bucket.Key, expectedRefillMs, nowMs int64, debits []Debit, expiresAt int64) (ConsumeResult, error)
	// SpeculativeConsume admits or rejects in a single conditional write
	// with no prior read: every requested limit must hold at least the
	// requested amount or nothing is debited. The refill clock is not
	// touched.
	SpeculativeConsume(ctx context.Context, key bucket.Key, requests []Delta) (ConsumeResult, error)
	// Adjust is a commutative ADD that never loses a concurrent update.
	// It only touches existing records: adjusting a missing (or evicted)
	// bucket reports ErrNotFound rather than creating a partial item.
	Adjust(ctx context.Context, key bucket.Key, deltas []Delta) error
	// RetryConsume re-applies a debit gated on sufficient current tokens,
	// so a retry after an orthogonal condition failure cannot
	// double-debit.
	RetryConsume(ctx context.Context, key bucket.Key, requests []Delta) (ConsumeResult, error)
	// CatchUpRefill is the reconciliation worker's ADD-only catch-up: it
	// adds non-negative refill per limit and advances the refill clock,
	// gated on the clock still matching observedRefillMs.
	CatchUpRefill(ctx context.Context, key bucket.Key, observedRefillMs, nowMs int64, refills []Delta) error
	// QueryResourceBuckets returns every composite record for a resource
	// via the secondary index.
	QueryResourceBuckets(ctx context.Context, namespace, resource string) ([]bucket.Record, error)

	PutEntity(ctx context.Context, namespace string, ent ratelimiter.Entity) error
	GetEntity(ctx context.Context, namespace, entityID string) (ratelimiter.Entity, error)
	PutLimitConfig(ctx context.Context, namespace string, cfg LimitConfig) error
	GetLimitConfig(ctx context.Context, namespace, entityID, resource string) (LimitConfig, error)
	PutNamespace(ctx context.Context, ns Namespace) error
	GetNamespace(ctx context.Context, name string) (Namespace, error)

	// AddSnapshot accumulates a usage-window record via unconditioned
	// ADD.
	AddSnapshot(ctx context.Context, update SnapshotUpdate) error
}
