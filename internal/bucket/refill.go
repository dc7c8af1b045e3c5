package bucket

// RefillOwedMilli returns the millitokens owed for elapsedMs of refill,
// clamped to maxMilli. Integer-only and overflow-safe for any realistic
// elapsed time.
func RefillOwedMilli(refillAmountMilli, refillPeriodMs, elapsedMs, maxMilli int64) int64 {
	if elapsedMs <= 0 || maxMilli <= 0 || refillAmountMilli <= 0 || refillPeriodMs <= 0 {
		return 0
	}
	// Enough whole periods to exceed the clamp: skip the multiply.
	if elapsedMs/refillPeriodMs >= maxMilli/refillAmountMilli+1 {
		return maxMilli
	}
	owed := elapsedMs * refillAmountMilli / refillPeriodMs
	if owed > maxMilli {
		return maxMilli
	}
	return owed
}

// RefillProjection is the owed refill for one limit at a point in time.
type RefillProjection struct {
	Name        string
	RefillMilli int64
}

// Project computes the refill each limit is owed at nowMs without mutating
// the record. Refill is capped so tokens never exceed burst.
func (r *Record) Project(nowMs int64) []RefillProjection {
	elapsed := nowMs - r.LastRefillMs
	out := make([]RefillProjection, 0, len(r.Limits))
	for i := range r.Limits {
		ls := &r.Limits[i]
		headroom := ls.BurstMilli - ls.TokensMilli
		out = append(out, RefillProjection{
			Name:        ls.Name,
			RefillMilli: RefillOwedMilli(ls.RefillAmountMilli, ls.RefillPeriodMs, elapsed, headroom),
		})
	}
	return out
}

// Refill applies refill-on-read: owed tokens are added, capped at burst,
// and the shared refill timestamp advances to nowMs.
func (r *Record) Refill(nowMs int64) {
	for _, p := range r.Project(nowMs) {
		if i, ok := r.Find(p.Name); ok {
			r.Limits[i].TokensMilli += p.RefillMilli
		}
	}
	if nowMs > r.LastRefillMs {
		r.LastRefillMs = nowMs
	}
}

// TimeToFillMs returns how long an empty bucket of this limit takes to
// reach capacity.
func TimeToFillMs(ls LimitState) int64 {
	if ls.RefillAmountMilli <= 0 {
		return 0
	}
	return ls.CapacityMilli * ls.RefillPeriodMs / ls.RefillAmountMilli
}

// ExpiryUnix computes the record expiry in epoch seconds from the maximum
// time-to-fill across all packed limits, so no limit's state is evicted
// while it still throttles. A non-positive multiplier disables expiry.
func ExpiryUnix(limits []LimitState, nowMs int64, retentionMultiplier float64) int64 {
	if retentionMultiplier <= 0 {
		return 0
	}
	var maxFill int64
	for _, ls := range limits {
		if ttf := TimeToFillMs(ls); ttf > maxFill {
			maxFill = ttf
		}
	}
	return (nowMs + int64(float64(maxFill)*retentionMultiplier)) / 1000
}

// WaitForMs returns how long until shortfallMilli tokens will have refilled,
// rounded up to the next millisecond.
func WaitForMs(ls LimitState, shortfallMilli int64) int64 {
	if shortfallMilli <= 0 {
		return 0
	}
	if ls.RefillAmountMilli <= 0 {
		return 0
	}
	num := shortfallMilli * ls.RefillPeriodMs
	return (num + ls.RefillAmountMilli - 1) / ls.RefillAmountMilli
}
