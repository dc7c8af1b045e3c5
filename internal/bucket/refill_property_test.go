package bucket

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"limitd/pkg/ratelimiter"
)

func TestRefill_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	newRec := func(capacity, burst, tokens int64) Record {
		limits := []ratelimiter.Limit{{
			Name:         "rpm",
			Capacity:     capacity,
			Burst:        burst,
			RefillAmount: capacity,
			RefillPeriod: time.Minute,
		}}
		rec := NewRecord(testKey(), limits, 0, false, "", 0)
		rec.Limits[0].TokensMilli = tokens
		return rec
	}

	properties.Property("tokens never exceed burst after refill", prop.ForAll(
		func(capacity int64, burstExtra int64, tokens int64, elapsedMs int64) bool {
			rec := newRec(capacity, capacity+burstExtra, tokens)
			// Seeding above burst would violate the invariant before the
			// call under test.
			if rec.Limits[0].TokensMilli > rec.Limits[0].BurstMilli {
				rec.Limits[0].TokensMilli = rec.Limits[0].BurstMilli
			}
			rec.Refill(elapsedMs)
			return rec.Limits[0].TokensMilli <= rec.Limits[0].BurstMilli
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int64Range(0, 1<<40),
	))

	properties.Property("refill owed is monotone in elapsed time", prop.ForAll(
		func(capacity int64, tokens int64, e1, e2 int64) bool {
			if e1 > e2 {
				e1, e2 = e2, e1
			}
			rec := newRec(capacity, capacity, tokens)
			headroom := rec.Limits[0].BurstMilli - rec.Limits[0].TokensMilli
			ls := rec.Limits[0]
			short := RefillOwedMilli(ls.RefillAmountMilli, ls.RefillPeriodMs, e1, headroom)
			long := RefillOwedMilli(ls.RefillAmountMilli, ls.RefillPeriodMs, e2, headroom)
			return short <= long
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<40),
	))

	properties.Property("image round trip preserves the record", prop.ForAll(
		func(capacity int64, tokens int64, consumed int64, refillMs int64) bool {
			rec := newRec(capacity, capacity, tokens)
			rec.Limits[0].TotalConsumedMilli = consumed
			rec.LastRefillMs = refillMs
			decoded, ok := DecodeImage(EncodeImage(rec))
			if !ok {
				return false
			}
			return decoded.Limits[0] == rec.Limits[0] && decoded.LastRefillMs == rec.LastRefillMs && decoded.Key == rec.Key
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 1<<45),
	))

	properties.TestingRun(t)
}
