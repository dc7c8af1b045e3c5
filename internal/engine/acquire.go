package engine

import (
	"context"
	"errors"
	"time"

	"limitd/internal/bucket"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

var errRetriesExhausted = errors.New("engine: optimistic retries exhausted")

// Acquire admits or rejects the requested consumption.
//
// State machine: VALIDATING -> RESOLVING_LIMITS -> ADMITTING ->
// {GRANTED, DENIED, UNAVAILABLE}; a granted call returns an open lease.
func (e *Engine) Acquire(ctx context.Context, req ratelimiter.AcquireRequest) (ratelimiter.Lease, error) {
	if err := validateAcquire(req); err != nil {
		return nil, err
	}
	if req.Consume.IsZero() {
		return ratelimiter.NoopLease, nil
	}
	mode := e.failureMode
	if req.FailureMode != nil {
		mode = *req.FailureMode
	}
	if err := e.ensureNamespace(ctx); err != nil {
		var nsErr *ratelimiter.NamespaceNotFoundError
		var verErr *ratelimiter.VersionMismatchError
		if errors.As(err, &nsErr) || errors.As(err, &verErr) {
			return nil, err
		}
		return e.finishUnavailable(mode, err)
	}
	limits, mode, err := e.resolveLimits(ctx, req)
	if err != nil {
		var vErr *ratelimiter.ValidationError
		if errors.As(err, &vErr) {
			return nil, err
		}
		return e.finishUnavailable(mode, err)
	}
	deltas, err := requestedDeltas(req.Consume, limits)
	if err != nil {
		return nil, err
	}

	if req.Cascade {
		ent, err := e.store.GetEntity(ctx, e.namespace, req.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ratelimiter.EntityNotFoundError{EntityID: req.EntityID}
		}
		if err != nil {
			return e.finishUnavailable(mode, err)
		}
		if ent.ParentID != "" {
			return e.admitCascade(ctx, req, limits, deltas, ent.ParentID, mode)
		}
	}
	if req.Speculative {
		return e.admitSpeculativeSingle(ctx, req, limits, deltas, mode)
	}
	return e.admitNormal(ctx, req, limits, deltas, mode)
}

// admitNormal runs the read-then-write path: read, refill-project, then a
// conditional write locked on the shared refill clock. Stale-lock failures
// retry a bounded number of times; capacity failures deny immediately.
func (e *Engine) admitNormal(ctx context.Context, req ratelimiter.AcquireRequest, limits []ratelimiter.Limit, deltas []store.Delta, mode ratelimiter.FailureMode) (ratelimiter.Lease, error) {
	key := e.bucketKey(req.EntityID, req.Resource)
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.IncRetry()
		}
		rec, err := e.store.GetBucket(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			err := e.createSpeculative(ctx, key, req.EntityID, limits, deltas, false, "")
			if errors.Is(err, store.ErrAlreadyExists) {
				continue
			}
			if isInfra(err) {
				return e.finishUnavailable(mode, err)
			}
			if err != nil {
				return nil, err
			}
			e.metrics.IncAcquire("granted")
			return e.newLease(req, limits, deltas, []leg{{key: key, entityID: req.EntityID}}), nil
		}
		if err != nil {
			return e.finishUnavailable(mode, err)
		}

		now := e.nowMs()
		debits, shortfall := buildDebits(&rec, deltas, now)
		if shortfall != nil {
			return nil, e.denyEntity(req.EntityID, req.Resource, &rec, now, deltas)
		}
		expiry := bucket.ExpiryUnix(rec.Limits, now, e.retention)
		writeStart := e.clock()
		res, err := e.store.NormalConsume(ctx, key, rec.LastRefillMs, now, debits, expiry)
		e.metrics.ObserveStoreMs(float64(e.clock().Sub(writeStart).Microseconds()) / 1e3)
		if err == nil {
			e.metrics.IncAcquire("granted")
			return e.newLease(req, limits, deltas, []leg{{key: key, entityID: req.EntityID}}), nil
		}
		if errors.Is(err, store.ErrConditionFailed) {
			if res.HasImage && capacityShort(&res.Image, debits) {
				return nil, e.denyEntity(req.EntityID, req.Resource, &res.Image, now, deltas)
			}
			// Stale optimistic lock; contention is transient, retry
			// without backoff.
			continue
		}
		return e.finishUnavailable(mode, err)
	}
	return e.finishUnavailable(mode, errRetriesExhausted)
}

// buildDebits produces one debit per packed limit so every limit collects
// its owed refill when the shared clock advances. It reports the first
// requested limit that would still be short after refill.
func buildDebits(rec *bucket.Record, deltas []store.Delta, nowMs int64) ([]store.Debit, *store.Delta) {
	proj := rec.Project(nowMs)
	refillByName := make(map[string]int64, len(proj))
	for _, p := range proj {
		refillByName[p.Name] = p.RefillMilli
	}
	consumed := make(map[string]int64, len(deltas))
	for _, d := range deltas {
		consumed[d.Name] = d.DeltaMilli
	}
	debits := make([]store.Debit, 0, len(rec.Limits))
	for i := range rec.Limits {
		ls := &rec.Limits[i]
		debits = append(debits, store.Debit{
			Name:          ls.Name,
			ConsumedMilli: consumed[ls.Name],
			RefillMilli:   refillByName[ls.Name],
		})
	}
	for _, d := range deltas {
		i, ok := rec.Find(d.Name)
		if !ok {
			short := d
			return nil, &short
		}
		if rec.Limits[i].TokensMilli+refillByName[d.Name] < d.DeltaMilli {
			short := d
			return nil, &short
		}
	}
	return debits, nil
}

// capacityShort distinguishes capacity exhaustion from a stale lock on the
// pre-image of a failed normal consume. The store does not say which
// clause failed; the pre-image tokens against the floor guard do.
func capacityShort(pre *bucket.Record, debits []store.Debit) bool {
	for _, d := range debits {
		if d.ConsumedMilli <= 0 {
			continue
		}
		i, ok := pre.Find(d.Name)
		if !ok || pre.Limits[i].TokensMilli < d.FloorMilli() {
			return true
		}
	}
	return false
}

// denyEntity builds the rate-limit-exceeded result from a record image:
// per-limit pass/fail with projected availability and a retry-after
// estimate.
func (e *Engine) denyEntity(entityID, resource string, rec *bucket.Record, nowMs int64, deltas []store.Delta) error {
	proj := rec.Project(nowMs)
	refillByName := make(map[string]int64, len(proj))
	for _, p := range proj {
		refillByName[p.Name] = p.RefillMilli
	}
	denial := &ratelimiter.RateLimitExceededError{EntityID: entityID, Resource: resource}
	var maxWaitMs int64
	for _, d := range deltas {
		availMilli := int64(0)
		var ls bucket.LimitState
		if i, ok := rec.Find(d.Name); ok {
			ls = rec.Limits[i]
			availMilli = ls.TokensMilli + refillByName[d.Name]
		}
		if availMilli < 0 {
			availMilli = 0
		}
		passed := availMilli >= d.DeltaMilli
		if !passed {
			if wait := bucket.WaitForMs(ls, d.DeltaMilli-availMilli); wait > maxWaitMs {
				maxWaitMs = wait
			}
			e.metrics.IncDenied(d.Name)
		}
		denial.Violations = append(denial.Violations, ratelimiter.LimitViolation{
			Name:      d.Name,
			Requested: d.DeltaMilli / ratelimiter.MilliPerToken,
			Available: availMilli / ratelimiter.MilliPerToken,
			Passed:    passed,
		})
	}
	denial.RetryAfter = time.Duration(maxWaitMs) * time.Millisecond
	e.metrics.IncAcquire("denied")
	return denial
}

// denyMissing covers a conditioned write against a record that vanished,
// typically expiry between the grant and the follow-up consume. Every
// requested limit reports zero availability.
func (e *Engine) denyMissing(entityID, resource string, deltas []store.Delta) error {
	denial := &ratelimiter.RateLimitExceededError{EntityID: entityID, Resource: resource}
	for _, d := range deltas {
		denial.Violations = append(denial.Violations, ratelimiter.LimitViolation{
			Name:      d.Name,
			Requested: d.DeltaMilli / ratelimiter.MilliPerToken,
		})
		e.metrics.IncDenied(d.Name)
	}
	e.metrics.IncAcquire("denied")
	return denial
}

// finishUnavailable applies the failure mode to a store outage.
func (e *Engine) finishUnavailable(mode ratelimiter.FailureMode, cause error) (ratelimiter.Lease, error) {
	if mode == ratelimiter.FailOpen {
		e.log.Warn().Err(cause).Msg("store unavailable, failing open")
		e.metrics.IncAcquire("fail_open")
		return ratelimiter.NoopLease, nil
	}
	e.metrics.IncAcquire("unavailable")
	return nil, &ratelimiter.UnavailableError{Cause: cause}
}

func (e *Engine) bucketKey(entityID, resource string) bucket.Key {
	return bucket.Key{Namespace: e.namespace, EntityID: entityID, Resource: resource}
}
