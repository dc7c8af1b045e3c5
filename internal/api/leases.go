package api

import (
	"context"
	"sync"
	"time"

	"limitd/pkg/ratelimiter"
)

const defaultLeaseHold = 5 * time.Minute

// leaseTable holds the server side of open leases. A remote caller only
// ever sees the id; the lease itself stays here until committed, rolled
// back, or expired.
type leaseTable struct {
	mu    sync.Mutex
	hold  time.Duration
	now   func() time.Time
	open  map[string]*heldLease
	sweep time.Time
}

type heldLease struct {
	lease    ratelimiter.Lease
	deadline time.Time
}

func newLeaseTable(hold time.Duration, now func() time.Time) *leaseTable {
	if hold <= 0 {
		hold = defaultLeaseHold
	}
	if now == nil {
		now = time.Now
	}
	return &leaseTable{hold: hold, now: now, open: map[string]*heldLease{}}
}

// put registers an open lease under its id.
func (t *leaseTable) put(id string, lease ratelimiter.Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[id] = &heldLease{lease: lease, deadline: t.now().Add(t.hold)}
}

// get returns the lease and refreshes its hold deadline.
func (t *leaseTable) get(id string) (ratelimiter.Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	held, ok := t.open[id]
	if !ok {
		return nil, false
	}
	held.deadline = t.now().Add(t.hold)
	return held.lease, true
}

// remove drops the lease from the table without touching it.
func (t *leaseTable) remove(id string) (ratelimiter.Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	held, ok := t.open[id]
	if ok {
		delete(t.open, id)
	}
	if !ok {
		return nil, false
	}
	return held.lease, true
}

// sweepExpired rolls back every lease past its hold deadline. Called from
// the acquire path so a quiet server does not need a background goroutine.
func (t *leaseTable) sweepExpired(ctx context.Context) {
	now := t.now()
	t.mu.Lock()
	if now.Before(t.sweep) {
		t.mu.Unlock()
		return
	}
	t.sweep = now.Add(t.hold / 2)
	var expired []ratelimiter.Lease
	for id, held := range t.open {
		if now.After(held.deadline) {
			expired = append(expired, held.lease)
			delete(t.open, id)
		}
	}
	t.mu.Unlock()
	for _, lease := range expired {
		_ = lease.Rollback(ctx)
	}
}
