// Package reconcile replays the store change-stream: it diffs the
// monotonic consumption counters between before- and after-images,
// accumulates usage-window snapshots and issues ADD-only catch-up refills
// for buckets whose refill lagged behind consumption. It depends only on
// the wire encoding, never on the engine.
package reconcile

import (
	"limitd/internal/bucket"
)

// ConsumptionDelta is the net change of one limit's consumption counter
// between the two images of a single change event.
type ConsumptionDelta struct {
	Key        bucket.Key
	Limit      string
	TCMilli    int64
	// After-image observations used by the refill decision.
	TokensMilli       int64
	CapacityMilli     int64
	BurstMilli        int64
	RefillAmountMilli int64
	RefillPeriodMs    int64
	LastRefillMs      int64
}

// extractDeltas diffs one change event. Non-bucket items and limits whose
// counter appears in only one image are skipped; they are irrelevant or
// malformed, not errors.
func extractDeltas(ev bucket.ChangeEvent) []ConsumptionDelta {
	if ev.Old == nil || ev.New == nil {
		return nil
	}
	if !bucket.IsBucketImage(ev.New) {
		return nil
	}
	after, ok := bucket.DecodeImage(ev.New)
	if !ok {
		return nil
	}
	var deltas []ConsumptionDelta
	for _, name := range bucket.LimitNames(ev.New) {
		oldTC, oldOK := ev.Old.Int(bucket.TotalConsumedAttr(name))
		newTC, newOK := ev.New.Int(bucket.TotalConsumedAttr(name))
		if !oldOK || !newOK || oldTC == newTC {
			continue
		}
		i, ok := after.Find(name)
		if !ok {
			continue
		}
		ls := after.Limits[i]
		deltas = append(deltas, ConsumptionDelta{
			Key:               after.Key,
			Limit:             name,
			TCMilli:           newTC - oldTC,
			TokensMilli:       ls.TokensMilli,
			CapacityMilli:     ls.CapacityMilli,
			BurstMilli:        ls.BurstMilli,
			RefillAmountMilli: ls.RefillAmountMilli,
			RefillPeriodMs:    ls.RefillPeriodMs,
			LastRefillMs:      after.LastRefillMs,
		})
	}
	return deltas
}
