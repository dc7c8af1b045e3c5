package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"limitd/internal/bucket"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

// admitSpeculativeSingle is the read-free fast path: one conditioned write
// that leaves the refill clock alone. First touch of a resource falls back
// to create-with-debit.
func (e *Engine) admitSpeculativeSingle(ctx context.Context, req ratelimiter.AcquireRequest, limits []ratelimiter.Limit, deltas []store.Delta, mode ratelimiter.FailureMode) (ratelimiter.Lease, error) {
	key := e.bucketKey(req.EntityID, req.Resource)
	err := e.speculativeDebit(ctx, key, req.EntityID, limits, deltas, false, "")
	if err == nil {
		e.metrics.IncAcquire("granted")
		return e.newLease(req, limits, deltas, []leg{{key: key, entityID: req.EntityID}}), nil
	}
	if ratelimiter.IsRateLimitExceeded(err) {
		return nil, err
	}
	return e.finishUnavailable(mode, err)
}

// admitCascade debits child and parent all-or-nothing. Both legs are
// speculative so the two writes commute with concurrent traffic; a leg
// that granted while the other failed is reversed with a compensating
// adjust.
func (e *Engine) admitCascade(ctx context.Context, req ratelimiter.AcquireRequest, limits []ratelimiter.Limit, deltas []store.Delta, parentID string, mode ratelimiter.FailureMode) (ratelimiter.Lease, error) {
	legs := []leg{
		{key: e.bucketKey(req.EntityID, req.Resource), entityID: req.EntityID},
		{key: e.bucketKey(parentID, req.Resource), entityID: parentID},
	}
	var err error
	var granted []leg
	switch e.cascade {
	case CascadeParallel:
		granted, err = e.cascadeParallel(ctx, req, limits, deltas, legs, parentID)
	default:
		granted, err = e.cascadeSerial(ctx, req, limits, deltas, legs, parentID)
	}
	if err == nil {
		e.metrics.IncAcquire("granted")
		return e.newLease(req, limits, deltas, legs), nil
	}
	for _, g := range granted {
		if adjErr := e.store.Adjust(ctx, g.key, negated(deltas)); adjErr != nil {
			e.log.Error().Err(adjErr).Stringer("bucket", g.key).Msg("cascade reversal failed, counters drift until reconciled")
		}
	}
	if ratelimiter.IsRateLimitExceeded(err) {
		return nil, err
	}
	return e.finishUnavailable(mode, err)
}

func (e *Engine) cascadeSerial(ctx context.Context, req ratelimiter.AcquireRequest, limits []ratelimiter.Limit, deltas []store.Delta, legs []leg, parentID string) ([]leg, error) {
	var granted []leg
	for i, g := range legs {
		child := i == 0
		pid := ""
		if child {
			pid = parentID
		}
		if err := e.speculativeDebit(ctx, g.key, g.entityID, limits, deltas, child, pid); err != nil {
			return granted, err
		}
		granted = append(granted, g)
	}
	return granted, nil
}

func (e *Engine) cascadeParallel(ctx context.Context, req ratelimiter.AcquireRequest, limits []ratelimiter.Limit, deltas []store.Delta, legs []leg, parentID string) ([]leg, error) {
	results := make([]error, len(legs))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range legs {
		i, l := i, l
		child := i == 0
		pid := ""
		if child {
			pid = parentID
		}
		g.Go(func() error {
			results[i] = e.speculativeDebit(gctx, l.key, l.entityID, limits, deltas, child, pid)
			return nil
		})
	}
	_ = g.Wait()
	var granted []leg
	var firstErr error
	for i, l := range legs {
		if results[i] == nil {
			granted = append(granted, l)
		} else if firstErr == nil || (!ratelimiter.IsRateLimitExceeded(firstErr) && ratelimiter.IsRateLimitExceeded(results[i])) {
			// Prefer reporting a denial over an infra error so the
			// caller sees which entity ran out.
			firstErr = results[i]
		}
	}
	return granted, firstErr
}

// speculativeDebit performs one leg: conditioned add, with create-with-debit
// when the record does not exist yet. Returns nil on grant, a
// RateLimitExceededError on denial, or the store error.
func (e *Engine) speculativeDebit(ctx context.Context, key bucket.Key, entityID string, limits []ratelimiter.Limit, deltas []store.Delta, cascade bool, parentID string) error {
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.IncRetry()
		}
		res, err := e.store.SpeculativeConsume(ctx, key, deltas)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return err
		}
		if res.HasImage {
			// Denied against stored tokens; no refill projection since
			// this path never advances the refill clock.
			return e.denyEntity(entityID, key.Resource, &res.Image, res.Image.LastRefillMs, deltas)
		}
		err = e.createSpeculative(ctx, key, entityID, limits, deltas, cascade, parentID)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		return err
	}
	return fmt.Errorf("speculative debit %s: %w", key, errRetriesExhausted)
}

func (e *Engine) createSpeculative(ctx context.Context, key bucket.Key, entityID string, limits []ratelimiter.Limit, deltas []store.Delta, cascade bool, parentID string) error {
	now := e.nowMs()
	rec := bucket.NewRecord(key, limits, now, cascade, parentID, e.retention)
	for _, d := range deltas {
		i, ok := rec.Find(d.Name)
		if !ok {
			return &ratelimiter.ValidationError{Field: "consume", Value: d.Name, Reason: "unknown limit"}
		}
		if rec.Limits[i].TokensMilli < d.DeltaMilli {
			return e.denyEntity(entityID, key.Resource, &rec, now, deltas)
		}
		rec.Limits[i].TokensMilli -= d.DeltaMilli
		rec.Limits[i].TotalConsumedMilli += d.DeltaMilli
	}
	return e.store.CreateBucket(ctx, rec)
}
