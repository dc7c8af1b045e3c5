package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"limitd/internal/bucket"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

// Available projects current token levels without writing. A missing
// record reports full capacity, matching what the first acquire would see.
func (e *Engine) Available(ctx context.Context, req ratelimiter.AvailabilityRequest) ([]ratelimiter.LimitAvailability, error) {
	limits, err := e.queryLimits(ctx, req)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetBucket(ctx, e.bucketKey(req.EntityID, req.Resource))
	if errors.Is(err, store.ErrNotFound) {
		out := make([]ratelimiter.LimitAvailability, 0, len(limits))
		for _, l := range limits {
			out = append(out, ratelimiter.LimitAvailability{Name: l.Name, Capacity: l.Capacity, Available: l.Capacity})
		}
		return out, nil
	}
	if err != nil {
		return nil, &ratelimiter.UnavailableError{Cause: err}
	}
	return projectAvailability(&rec, limits, e.nowMs()), nil
}

// TimeUntilAvailable estimates the wait until req.Needed would be
// admitted; zero means admissible now. The estimate assumes no competing
// consumption in the meantime.
func (e *Engine) TimeUntilAvailable(ctx context.Context, req ratelimiter.AvailabilityRequest) (time.Duration, error) {
	limits, err := e.queryLimits(ctx, req)
	if err != nil {
		return 0, err
	}
	deltas, err := requestedDeltas(req.Needed, limits)
	if err != nil {
		return 0, err
	}
	now := e.nowMs()
	rec, err := e.store.GetBucket(ctx, e.bucketKey(req.EntityID, req.Resource))
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First touch starts at full capacity, so asks beyond capacity
		// still wait for burst headroom to accrue.
		rec = bucket.NewRecord(e.bucketKey(req.EntityID, req.Resource), limits, now, false, "", 0)
	case err != nil:
		return 0, &ratelimiter.UnavailableError{Cause: err}
	}
	proj := rec.Project(now)
	refillByName := make(map[string]int64, len(proj))
	for _, p := range proj {
		refillByName[p.Name] = p.RefillMilli
	}
	var maxWaitMs int64
	for _, d := range deltas {
		i, ok := rec.Find(d.Name)
		if !ok {
			continue
		}
		avail := rec.Limits[i].TokensMilli + refillByName[d.Name]
		if avail >= d.DeltaMilli {
			continue
		}
		if wait := bucket.WaitForMs(rec.Limits[i], d.DeltaMilli-avail); wait > maxWaitMs {
			maxWaitMs = wait
		}
	}
	return time.Duration(maxWaitMs) * time.Millisecond, nil
}

// ResourceCapacity fans out over every bucket for one resource through the
// resource index and aggregates per-limit totals.
func (e *Engine) ResourceCapacity(ctx context.Context, req ratelimiter.CapacityRequest) (ratelimiter.CapacityReport, error) {
	if err := ratelimiter.ValidateIdentifier("resource", req.Resource); err != nil {
		return ratelimiter.CapacityReport{}, err
	}
	if err := e.ensureNamespace(ctx); err != nil {
		return ratelimiter.CapacityReport{}, err
	}
	recs, err := e.store.QueryResourceBuckets(ctx, e.namespace, req.Resource)
	if err != nil {
		return ratelimiter.CapacityReport{}, &ratelimiter.UnavailableError{Cause: err}
	}
	now := e.nowMs()
	report := ratelimiter.CapacityReport{Resource: req.Resource}
	totals := map[string]*ratelimiter.LimitCapacity{}
	for i := range recs {
		rec := &recs[i]
		if req.ParentsOnly && rec.ParentID != "" {
			continue
		}
		report.Entities++
		proj := rec.Project(now)
		refillByName := make(map[string]int64, len(proj))
		for _, p := range proj {
			refillByName[p.Name] = p.RefillMilli
		}
		for _, ls := range rec.Limits {
			t := totals[ls.Name]
			if t == nil {
				t = &ratelimiter.LimitCapacity{Name: ls.Name}
				totals[ls.Name] = t
			}
			avail := ls.TokensMilli + refillByName[ls.Name]
			if avail < 0 {
				avail = 0
			}
			if avail > ls.BurstMilli {
				avail = ls.BurstMilli
			}
			t.Capacity += ls.CapacityMilli / ratelimiter.MilliPerToken
			t.Available += avail / ratelimiter.MilliPerToken
		}
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := totals[name]
		if t.Capacity > 0 {
			t.Utilization = 1 - float64(t.Available)/float64(t.Capacity)
		}
		report.Limits = append(report.Limits, *t)
	}
	return report, nil
}

func (e *Engine) queryLimits(ctx context.Context, req ratelimiter.AvailabilityRequest) ([]ratelimiter.Limit, error) {
	if err := validateAvailability(req); err != nil {
		return nil, err
	}
	if err := e.ensureNamespace(ctx); err != nil {
		return nil, err
	}
	limits := req.Limits
	if len(limits) == 0 && e.resolver != nil {
		resolved, err := e.resolver.Resolve(ctx, req.EntityID, req.Resource)
		if err != nil {
			return nil, &ratelimiter.UnavailableError{Cause: err}
		}
		if resolved.Stored {
			limits = resolved.Limits
		}
	}
	if len(limits) == 0 {
		return nil, &ratelimiter.ValidationError{Field: "limits", Value: req.Resource, Reason: "no limits resolved"}
	}
	return limits, nil
}

func projectAvailability(rec *bucket.Record, limits []ratelimiter.Limit, nowMs int64) []ratelimiter.LimitAvailability {
	proj := rec.Project(nowMs)
	refillByName := make(map[string]int64, len(proj))
	for _, p := range proj {
		refillByName[p.Name] = p.RefillMilli
	}
	out := make([]ratelimiter.LimitAvailability, 0, len(limits))
	for _, l := range limits {
		avail := l.Capacity
		if i, ok := rec.Find(l.Name); ok {
			ls := rec.Limits[i]
			milli := ls.TokensMilli + refillByName[l.Name]
			if milli < 0 {
				milli = 0
			}
			if milli > ls.BurstMilli {
				milli = ls.BurstMilli
			}
			avail = milli / ratelimiter.MilliPerToken
		}
		out = append(out, ratelimiter.LimitAvailability{Name: l.Name, Capacity: l.Capacity, Available: avail})
	}
	return out
}
