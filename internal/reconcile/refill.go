package reconcile

import (
	"context"
	"errors"
	"sort"

	"limitd/internal/bucket"
	"limitd/internal/store"
)

// needsCatchUp decides whether an aggregated bucket looks starved: refill
// is owed for the elapsed time but the after-image tokens sit below
// capacity, so consumption outpaced the refill-on-read path.
func needsCatchUp(st *refillState, nowMs int64) bool {
	elapsed := nowMs - st.lastRefillMs
	if elapsed <= 0 {
		return false
	}
	for _, obs := range st.limits {
		if obs.tokensMilli >= obs.capacityMilli {
			continue
		}
		headroom := obs.burstMilli - obs.tokensMilli
		if bucket.RefillOwedMilli(obs.refillAmountMilli, obs.refillPeriodMs, elapsed, headroom) > 0 {
			return true
		}
	}
	return false
}

// catchUp issues one ADD-only refill write covering all of the bucket's
// observed limits, gated on the refill clock still matching the batch's
// last observation. A lost gate means another writer already accounted for
// the elapsed time; the catch-up is skipped, not retried.
func (p *Processor) catchUp(ctx context.Context, st *refillState, nowMs int64) (bool, error) {
	elapsed := nowMs - st.lastRefillMs
	names := make([]string, 0, len(st.limits))
	for name := range st.limits {
		names = append(names, name)
	}
	sort.Strings(names)
	refills := make([]store.Delta, 0, len(names))
	for _, name := range names {
		obs := st.limits[name]
		headroom := obs.burstMilli - obs.tokensMilli
		owed := bucket.RefillOwedMilli(obs.refillAmountMilli, obs.refillPeriodMs, elapsed, headroom)
		if owed <= 0 {
			continue
		}
		refills = append(refills, store.Delta{Name: name, DeltaMilli: owed})
	}
	if len(refills) == 0 {
		return false, nil
	}
	err := p.store.CatchUpRefill(ctx, st.key, st.lastRefillMs, nowMs, refills)
	if errors.Is(err, store.ErrConditionFailed) {
		// Another writer advanced the clock first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
