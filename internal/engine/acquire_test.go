package engine

import (
	"errors"
	"testing"
	"time"

	"limitd/internal/store"
	"limitd/internal/store/memory"
	"limitd/internal/testutil"
	"limitd/pkg/ratelimiter"
)

func TestAcquire_GrantAndDrain(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	lease := mustAcquire(t, f, acquireReq(map[string]int64{"requests": 1, "tokens": 10_000}))
	lease.Commit()

	if got := availableTokens(t, f, "acct-1", "tokens"); got != 0 {
		t.Fatalf("tokens after drain = %d, want 0", got)
	}

	_, err := f.engine.Acquire(testutil.Context(t, 0), acquireReq(map[string]int64{"tokens": 1}))
	var denied *ratelimiter.RateLimitExceededError
	if !errors.As(err, &denied) {
		t.Fatalf("acquire on empty bucket = %v, want RateLimitExceededError", err)
	}
	if denied.EntityID != "acct-1" || denied.Resource != "gpt-4" {
		t.Fatalf("denial identity = %s/%s", denied.EntityID, denied.Resource)
	}
	if denied.RetryAfter <= 0 {
		t.Fatalf("denial retry-after = %v, want positive", denied.RetryAfter)
	}
	var failed int
	for _, v := range denied.Violations {
		if !v.Passed {
			failed++
			if v.Name != "tokens" {
				t.Fatalf("failing limit = %s, want tokens", v.Name)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("failing violations = %d, want 1", failed)
	}
}

func TestAcquire_RefillRestoresCapacity(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	mustAcquire(t, f, acquireReq(map[string]int64{"tokens": 10_000})).Commit()

	f.clock.Advance(30 * time.Second)
	// Half a minute restores half the per-minute refill.
	if got := availableTokens(t, f, "acct-1", "tokens"); got != 5_000 {
		t.Fatalf("tokens after 30s = %d, want 5000", got)
	}
	mustAcquire(t, f, acquireReq(map[string]int64{"tokens": 5_000})).Commit()
}

func TestAcquire_ZeroConsumeIsNoop(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	req := acquireReq(nil)
	lease := mustAcquire(t, f, req)
	if len(lease.Consumed()) != 0 {
		t.Fatalf("zero-consume lease recorded %v", lease.Consumed())
	}
	if _, err := f.store.GetBucket(testutil.Context(t, 0), f.engine.bucketKey("acct-1", "gpt-4")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("zero consume touched the store: %v", err)
	}
}

func TestAcquire_UnknownLimitRejected(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	_, err := f.engine.Acquire(testutil.Context(t, 0), acquireReq(map[string]int64{"bogus": 1}))
	var invalid *ratelimiter.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("unknown limit = %v, want ValidationError", err)
	}
}

func TestAcquire_FirstTouchOverCapacityDenied(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	_, err := f.engine.Acquire(testutil.Context(t, 0), acquireReq(map[string]int64{"tokens": 10_001}))
	if !ratelimiter.IsRateLimitExceeded(err) {
		t.Fatalf("over-capacity first touch = %v, want denial", err)
	}
	// The denial must not have left a debited record behind.
	if _, err := f.store.GetBucket(testutil.Context(t, 0), f.engine.bucketKey("acct-1", "gpt-4")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("denied create left a record: %v", err)
	}
}

func TestAcquire_SpeculativeScenario(t *testing.T) {
	// capacity=100/min: a speculative consume of the full capacity
	// succeeds and the immediate next one fails against zero tokens.
	f := newFixture(t, ratelimiter.FailClosed)
	req := ratelimiter.AcquireRequest{
		EntityID:    "acct-1",
		Resource:    "gpt-4",
		Consume:     ratelimiter.Consume("rpm", 100),
		Limits:      []ratelimiter.Limit{ratelimiter.PerMinute("rpm", 100)},
		Speculative: true,
	}
	mustAcquire(t, f, req).Commit()

	req.Consume = ratelimiter.Consume("rpm", 1)
	_, err := f.engine.Acquire(testutil.Context(t, 0), req)
	var denied *ratelimiter.RateLimitExceededError
	if !errors.As(err, &denied) {
		t.Fatalf("second speculative = %v, want denial", err)
	}
	if len(denied.Violations) != 1 || denied.Violations[0].Available != 0 {
		t.Fatalf("violations = %+v, want zero available", denied.Violations)
	}
	rec, err := f.store.GetBucket(testutil.Context(t, 0), f.engine.bucketKey("acct-1", "gpt-4"))
	if err != nil {
		t.Fatalf("get bucket: %v", err)
	}
	if rec.Limits[0].TokensMilli != 0 {
		t.Fatalf("tokens = %d, want 0", rec.Limits[0].TokensMilli)
	}
}

func TestAcquire_SpeculativeDoesNotAdvanceRefillClock(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	req := acquireReq(map[string]int64{"tokens": 100})
	mustAcquire(t, f, req).Commit()
	before, _ := f.store.GetBucket(testutil.Context(t, 0), f.engine.bucketKey("acct-1", "gpt-4"))

	f.clock.Advance(10 * time.Second)
	specReq := req
	specReq.Speculative = true
	mustAcquire(t, f, specReq).Commit()
	after, _ := f.store.GetBucket(testutil.Context(t, 0), f.engine.bucketKey("acct-1", "gpt-4"))
	if after.LastRefillMs != before.LastRefillMs {
		t.Fatalf("speculative advanced the refill clock: %d -> %d", before.LastRefillMs, after.LastRefillMs)
	}
}

func TestAcquire_FailClosedSurfacesUnavailable(t *testing.T) {
	st := &failingStore{Store: memory.New(), failGet: true}
	f := newFixtureStore(t, st, ratelimiter.FailClosed)
	_, err := f.engine.Acquire(testutil.Context(t, 0), acquireReq(map[string]int64{"tokens": 1}))
	if !ratelimiter.IsUnavailable(err) {
		t.Fatalf("outage under fail-closed = %v, want UnavailableError", err)
	}
}

func TestAcquire_FailOpenGrantsNoopLease(t *testing.T) {
	st := &failingStore{Store: memory.New(), failGet: true}
	f := newFixtureStore(t, st, ratelimiter.FailOpen)
	lease, err := f.engine.Acquire(testutil.Context(t, 0), acquireReq(map[string]int64{"tokens": 1}))
	if err != nil {
		t.Fatalf("outage under fail-open = %v, want noop grant", err)
	}
	if len(lease.Consumed()) != 0 {
		t.Fatalf("noop lease recorded consumption: %v", lease.Consumed())
	}
	if err := lease.Close(testutil.Context(t, 0)); err != nil {
		t.Fatalf("noop close: %v", err)
	}
}

func TestAcquire_PerCallFailureModeOverride(t *testing.T) {
	st := &failingStore{Store: memory.New(), failGet: true}
	f := newFixtureStore(t, st, ratelimiter.FailClosed)
	open := ratelimiter.FailOpen
	req := acquireReq(map[string]int64{"tokens": 1})
	req.FailureMode = &open
	if _, err := f.engine.Acquire(testutil.Context(t, 0), req); err != nil {
		t.Fatalf("per-call fail-open = %v, want grant", err)
	}
}

func TestAcquire_StoredLimitsResolved(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	ctx := testutil.Context(t, 0)
	err := f.engine.SetLimits(ctx, "", "gpt-4", []ratelimiter.Limit{ratelimiter.PerMinute("rpm", 2)}, ratelimiter.FailClosed)
	if err != nil {
		t.Fatalf("set limits: %v", err)
	}
	req := ratelimiter.AcquireRequest{
		EntityID:        "acct-1",
		Resource:        "gpt-4",
		Consume:         ratelimiter.Consume("rpm", 1),
		UseStoredLimits: true,
	}
	mustAcquire(t, f, req).Commit()
	mustAcquire(t, f, req).Commit()
	if _, err := f.engine.Acquire(ctx, req); !ratelimiter.IsRateLimitExceeded(err) {
		t.Fatalf("third call = %v, want denial from stored capacity 2", err)
	}
}

func TestAcquire_NamespaceMissing(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	eng, err := New(Config{Namespace: "ghost", Store: memory.New(), Clock: clock.Func()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	_, err = eng.Acquire(testutil.Context(t, 0), acquireReq(map[string]int64{"tokens": 1}))
	var missing *ratelimiter.NamespaceNotFoundError
	if !errors.As(err, &missing) {
		t.Fatalf("unregistered namespace = %v, want NamespaceNotFoundError", err)
	}
}

func TestAcquire_SchemaVersionMismatch(t *testing.T) {
	st := memory.New()
	ctx := testutil.Context(t, 0)
	if err := st.PutNamespace(ctx, store.Namespace{Name: "old", ID: "x", SchemaVersion: SchemaVersion + 1}); err != nil {
		t.Fatalf("put namespace: %v", err)
	}
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	eng, err := New(Config{Namespace: "old", Store: st, Clock: clock.Func()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	_, err = eng.Acquire(ctx, acquireReq(map[string]int64{"tokens": 1}))
	var mismatch *ratelimiter.VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("schema mismatch = %v, want VersionMismatchError", err)
	}
}
