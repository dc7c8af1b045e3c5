package reconcile

import (
	"limitd/internal/bucket"
)

// limitObservation is one limit's accumulated view within a batch.
type limitObservation struct {
	tcDeltaMilli      int64
	tokensMilli       int64
	capacityMilli     int64
	burstMilli        int64
	refillAmountMilli int64
	refillPeriodMs    int64
}

// refillState is a bucket's aggregated view within one batch. Only the
// last-seen refill clock is kept, so a stale catch-up can never clobber a
// newer observation.
type refillState struct {
	key          bucket.Key
	lastRefillMs int64
	limits       map[string]*limitObservation
	// events counts every delta folded in, so snapshot counters reflect
	// batch size rather than the number of distinct limit names.
	events int64
}

// aggregate folds a batch's deltas per bucket, preserving the per-bucket
// chronological order the stream delivered.
func aggregate(deltas []ConsumptionDelta) []*refillState {
	byKey := map[string]*refillState{}
	var ordered []*refillState
	for _, d := range deltas {
		k := d.Key.String()
		st := byKey[k]
		if st == nil {
			st = &refillState{key: d.Key, limits: map[string]*limitObservation{}}
			byKey[k] = st
			ordered = append(ordered, st)
		}
		st.lastRefillMs = d.LastRefillMs
		st.events++
		obs := st.limits[d.Limit]
		if obs == nil {
			obs = &limitObservation{}
			st.limits[d.Limit] = obs
		}
		obs.tcDeltaMilli += d.TCMilli
		obs.tokensMilli = d.TokensMilli
		obs.capacityMilli = d.CapacityMilli
		obs.burstMilli = d.BurstMilli
		obs.refillAmountMilli = d.RefillAmountMilli
		obs.refillPeriodMs = d.RefillPeriodMs
	}
	return ordered
}
