package ratelimiter

import "context"

// NoopLease is a granted lease with zero entries. FailOpen admissions
// return it so callers keep a uniform lease lifecycle during store outages.
var NoopLease Lease = noopLease{}

type noopLease struct{}

// Consume accepts without recording anything.
func (noopLease) Consume(_ context.Context, _ ConsumeMap) error { return nil }

// Adjust accepts without recording anything.
func (noopLease) Adjust(_ context.Context, _ ConsumeMap) error { return nil }

// Release accepts without recording anything.
func (noopLease) Release(_ context.Context, _ ConsumeMap) error { return nil }

// Commit is a no-op.
func (noopLease) Commit() {}

// Rollback is a no-op.
func (noopLease) Rollback(_ context.Context) error { return nil }

// Close is a no-op.
func (noopLease) Close(_ context.Context) error { return nil }

// Consumed reports no consumption.
func (noopLease) Consumed() map[string]int64 { return map[string]int64{} }
