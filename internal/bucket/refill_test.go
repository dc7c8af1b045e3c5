package bucket

import (
	"testing"
	"time"

	"limitd/pkg/ratelimiter"
)

func testKey() Key {
	return Key{Namespace: "ns", EntityID: "acct-1", Resource: "gpt-4"}
}

func perMinuteLimits() []ratelimiter.Limit {
	return []ratelimiter.Limit{
		{Name: "rpm", Capacity: 60, Burst: 60, RefillAmount: 60, RefillPeriod: time.Minute},
		{Name: "tpm", Capacity: 1000, Burst: 1200, RefillAmount: 1000, RefillPeriod: time.Minute},
	}
}

func TestRefillOwedMilli(t *testing.T) {
	cases := []struct {
		name                string
		amount, period      int64
		elapsed, max, owed  int64
	}{
		{"zero elapsed", 60_000, 60_000, 0, 60_000, 0},
		{"one period", 60_000, 60_000, 60_000, 120_000, 60_000},
		{"partial period", 60_000, 60_000, 1_000, 120_000, 1_000},
		{"clamped", 60_000, 60_000, 120_000, 30_000, 30_000},
		{"no headroom", 60_000, 60_000, 60_000, 0, 0},
		{"negative elapsed", 60_000, 60_000, -5, 60_000, 0},
		{"huge elapsed skips multiply", 1_000, 1, int64(1) << 60, 500, 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RefillOwedMilli(tc.amount, tc.period, tc.elapsed, tc.max); got != tc.owed {
				t.Fatalf("owed = %d, want %d", got, tc.owed)
			}
		})
	}
}

func TestRefillNeverExceedsBurst(t *testing.T) {
	rec := NewRecord(testKey(), perMinuteLimits(), 0, false, "", 0)
	for i := range rec.Limits {
		rec.Limits[i].TokensMilli = 1_000
	}
	rec.Refill(10 * 60_000)
	for _, ls := range rec.Limits {
		if ls.TokensMilli > ls.BurstMilli {
			t.Fatalf("limit %s: tokens %d above burst %d", ls.Name, ls.TokensMilli, ls.BurstMilli)
		}
		if ls.TokensMilli != ls.BurstMilli {
			t.Fatalf("limit %s: expected full refill to burst, got %d", ls.Name, ls.TokensMilli)
		}
	}
	if rec.LastRefillMs != 10*60_000 {
		t.Fatalf("refill clock = %d", rec.LastRefillMs)
	}
}

func TestProjectDoesNotMutate(t *testing.T) {
	rec := NewRecord(testKey(), perMinuteLimits(), 0, false, "", 0)
	rec.Limits[0].TokensMilli = 0
	proj := rec.Project(30_000)
	if rec.Limits[0].TokensMilli != 0 || rec.LastRefillMs != 0 {
		t.Fatalf("projection mutated record")
	}
	if len(proj) != 2 {
		t.Fatalf("expected 2 projections, got %d", len(proj))
	}
	// Half a minute owes half the rpm refill.
	if proj[0].Name != "rpm" || proj[0].RefillMilli != 30_000 {
		t.Fatalf("rpm projection = %+v", proj[0])
	}
}

func TestNegativeBalanceRefills(t *testing.T) {
	rec := NewRecord(testKey(), perMinuteLimits(), 0, false, "", 0)
	i, _ := rec.Find("rpm")
	rec.Limits[i].TokensMilli = -5_000
	rec.Refill(60_000)
	// A full period refills a full capacity's worth on top of the debt.
	if got := rec.Limits[i].TokensMilli; got != 55_000 {
		t.Fatalf("tokens after refill = %d, want 55000", got)
	}
}

func TestWaitForMs(t *testing.T) {
	ls := NewLimitState(ratelimiter.Limit{Name: "rpm", Capacity: 60, Burst: 60, RefillAmount: 60, RefillPeriod: time.Minute})
	if got := WaitForMs(ls, 0); got != 0 {
		t.Fatalf("zero shortfall wait = %d", got)
	}
	// 60k millitokens per 60s is one millitoken per ms.
	if got := WaitForMs(ls, 1_500); got != 1_500 {
		t.Fatalf("wait = %d, want 1500", got)
	}
	// Ceil division.
	ls.RefillAmountMilli = 1_000
	ls.RefillPeriodMs = 3_000
	if got := WaitForMs(ls, 1_000); got != 3_000 {
		t.Fatalf("wait = %d, want 3000", got)
	}
}

func TestExpiryUnix(t *testing.T) {
	limits := []LimitState{
		NewLimitState(ratelimiter.Limit{Name: "rpm", Capacity: 60, Burst: 60, RefillAmount: 60, RefillPeriod: time.Minute}),
		NewLimitState(ratelimiter.Limit{Name: "tpd", Capacity: 100, Burst: 100, RefillAmount: 100, RefillPeriod: 24 * time.Hour}),
	}
	if got := ExpiryUnix(limits, 0, 0); got != 0 {
		t.Fatalf("disabled retention expiry = %d", got)
	}
	// Retention scales off the slowest limit's time-to-fill (one day).
	got := ExpiryUnix(limits, 0, 2)
	want := int64(2 * 24 * 60 * 60)
	if got != want {
		t.Fatalf("expiry = %d, want %d", got, want)
	}
}
