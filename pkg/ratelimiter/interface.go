package ratelimiter

import (
	"context"
	"time"
)

// Limiter is the client-facing API for admission, projection and
// control-plane operations.
type Limiter interface {
	// Acquire admits or rejects the requested consumption and returns an
	// open lease on success. Denials surface as *RateLimitExceededError.
	Acquire(ctx context.Context, req AcquireRequest) (Lease, error)
	// Available projects the current token levels without writing.
	Available(ctx context.Context, req AvailabilityRequest) ([]LimitAvailability, error)
	// TimeUntilAvailable estimates the wait until req.Needed could be
	// admitted. Zero means it would be admitted now.
	TimeUntilAvailable(ctx context.Context, req AvailabilityRequest) (time.Duration, error)
	// ResourceCapacity aggregates capacity across all entities holding a
	// bucket for one resource.
	ResourceCapacity(ctx context.Context, req CapacityRequest) (CapacityReport, error)

	CreateEntity(ctx context.Context, ent Entity) error
	GetEntity(ctx context.Context, entityID string) (Entity, error)
	SetLimits(ctx context.Context, entityID, resource string, limits []Limit, onUnavailable FailureMode) error
	// RegisterNamespace is idempotent: the same name maps to the same
	// opaque id on every call.
	RegisterNamespace(ctx context.Context, name string) (string, error)
}

// Lease is the caller-held handle for a provisional reservation. The
// admission debit is already persisted when the lease is returned; Commit
// writes nothing, Rollback reverses every accumulated entry.
//
// The intended shape is:
//
//	lease, err := limiter.Acquire(ctx, req)
//	if err != nil { ... }
//	defer lease.Close(ctx)
//	... work, lease.Adjust with the actual cost ...
//	lease.Commit()
type Lease interface {
	// Consume re-checks capacity for extra consumption and records it on
	// success. Already-committed consumption is untouched on failure.
	Consume(ctx context.Context, extra ConsumeMap) error
	// Adjust records a post-hoc correction without a capacity check. The
	// bucket may go negative; that is not an error.
	Adjust(ctx context.Context, delta ConsumeMap) error
	// Release returns tokens to the bucket.
	Release(ctx context.Context, amount ConsumeMap) error
	// Commit finalizes the lease; Close becomes a no-op.
	Commit()
	// Rollback reverses every entry accumulated on the lease, including
	// the original admission amount, on all cascade legs.
	Rollback(ctx context.Context) error
	// Close rolls back unless Commit was called. Safe to defer.
	Close(ctx context.Context) error
	// Consumed returns the net whole-token consumption recorded so far.
	Consumed() map[string]int64
}
