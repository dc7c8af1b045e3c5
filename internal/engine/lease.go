package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"limitd/internal/bucket"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

// leg is one bucket a lease debited; cascade leases carry two.
type leg struct {
	key      bucket.Key
	entityID string
}

// lease tracks the net grant across its legs so Rollback and Close can
// reverse exactly what was debited, no more.
type lease struct {
	id     string
	eng    *Engine
	limits []ratelimiter.Limit
	legs   []leg

	mu      sync.Mutex
	granted map[string]int64 // limit name -> net millitokens
	done    bool
}

var _ ratelimiter.Lease = (*lease)(nil)

func (e *Engine) newLease(req ratelimiter.AcquireRequest, limits []ratelimiter.Limit, deltas []store.Delta, legs []leg) *lease {
	granted := make(map[string]int64, len(deltas))
	for _, d := range deltas {
		granted[d.Name] = d.DeltaMilli
	}
	l := &lease{
		id:      ratelimiter.NewLeaseID(),
		eng:     e,
		limits:  limits,
		legs:    legs,
		granted: granted,
	}
	e.log.Debug().Str("lease", l.id).Str("entity", req.EntityID).Str("resource", req.Resource).Msg("lease opened")
	return l
}

// ID returns the lease identifier.
func (l *lease) ID() string { return l.id }

// Consume debits additional tokens on every leg, gated on availability.
// If a later leg fails, the earlier legs are compensated so the lease
// never holds a partial debit.
func (l *lease) Consume(ctx context.Context, consume ratelimiter.ConsumeMap) error {
	deltas, err := requestedDeltas(consume, l.limits)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return fmt.Errorf("lease %s: already closed", l.id)
	}
	for i, g := range l.legs {
		res, err := l.eng.store.RetryConsume(ctx, g.key, deltas)
		if err == nil {
			continue
		}
		l.compensate(ctx, l.legs[:i], negated(deltas))
		if errors.Is(err, store.ErrConditionFailed) {
			if res.HasImage {
				return l.eng.denyEntity(g.entityID, g.key.Resource, &res.Image, l.eng.nowMs(), deltas)
			}
			return l.eng.denyMissing(g.entityID, g.key.Resource, deltas)
		}
		return fmt.Errorf("lease %s: consume: %w", l.id, err)
	}
	l.add(deltas)
	return nil
}

// Adjust applies an unchecked correction, typically the delta between the
// reserved estimate and the metered actual. Negative amounts credit.
func (l *lease) Adjust(ctx context.Context, consume ratelimiter.ConsumeMap) error {
	deltas, err := adjustDeltas(consume, l.limits)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return fmt.Errorf("lease %s: already closed", l.id)
	}
	for _, g := range l.legs {
		if err := l.eng.store.Adjust(ctx, g.key, deltas); err != nil {
			return fmt.Errorf("lease %s: adjust: %w", l.id, err)
		}
	}
	l.add(deltas)
	return nil
}

// Release returns unused tokens early without closing the lease.
func (l *lease) Release(ctx context.Context, consume ratelimiter.ConsumeMap) error {
	deltas, err := adjustDeltas(consume, l.limits)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return fmt.Errorf("lease %s: already closed", l.id)
	}
	rel := negated(deltas)
	for _, g := range l.legs {
		if err := l.eng.store.Adjust(ctx, g.key, rel); err != nil {
			return fmt.Errorf("lease %s: release: %w", l.id, err)
		}
	}
	l.add(rel)
	return nil
}

// Commit finalizes the lease; the debits stand as written.
func (l *lease) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = true
}

// Rollback reverses the lease's net grant on every leg.
func (l *lease) Rollback(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil
	}
	l.done = true
	deltas := l.netDeltas()
	if len(deltas) == 0 {
		return nil
	}
	var firstErr error
	for _, g := range l.legs {
		if err := l.eng.store.Adjust(ctx, g.key, negated(deltas)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lease %s: rollback: %w", l.id, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	l.granted = map[string]int64{}
	return nil
}

// Close rolls back unless the lease was committed. Safe to defer.
func (l *lease) Close(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done {
		return nil
	}
	return l.Rollback(ctx)
}

// Consumed reports the net tokens held per limit.
func (l *lease) Consumed() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.granted))
	for name, milli := range l.granted {
		out[name] = milli / ratelimiter.MilliPerToken
	}
	return out
}

// add folds deltas into the net grant; caller holds l.mu.
func (l *lease) add(deltas []store.Delta) {
	for _, d := range deltas {
		l.granted[d.Name] += d.DeltaMilli
	}
}

func (l *lease) netDeltas() []store.Delta {
	deltas := make([]store.Delta, 0, len(l.granted))
	for name, milli := range l.granted {
		if milli != 0 {
			deltas = append(deltas, store.Delta{Name: name, DeltaMilli: milli})
		}
	}
	return deltas
}

// compensate undoes a checked consume on legs that already accepted it.
// Best effort: a failed compensation is logged, not surfaced, since the
// caller already has the primary error.
func (l *lease) compensate(ctx context.Context, legs []leg, reverse []store.Delta) {
	for _, g := range legs {
		if err := l.eng.store.Adjust(ctx, g.key, reverse); err != nil {
			l.eng.log.Error().Err(err).Str("lease", l.id).Stringer("bucket", g.key).Msg("compensation failed, counters drift until reconciled")
		}
	}
}

// adjustDeltas converts a consume map for the unchecked paths, where
// negative amounts are legal credits.
func adjustDeltas(consume ratelimiter.ConsumeMap, limits []ratelimiter.Limit) ([]store.Delta, error) {
	known := make(map[string]bool, len(limits))
	for _, l := range limits {
		known[l.Name] = true
	}
	deltas := make([]store.Delta, 0, consume.Len())
	for _, name := range consume.Names() {
		if !known[name] {
			return nil, &ratelimiter.ValidationError{Field: "consume", Value: name, Reason: "unknown limit"}
		}
		amount, _ := consume.Get(name)
		deltas = append(deltas, store.Delta{Name: name, DeltaMilli: amount * ratelimiter.MilliPerToken})
	}
	return deltas, nil
}
