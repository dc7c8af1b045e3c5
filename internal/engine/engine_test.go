package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"limitd/internal/bucket"
	"limitd/internal/limitcache"
	"limitd/internal/store"
	"limitd/internal/store/memory"
	"limitd/internal/testutil"
	"limitd/pkg/ratelimiter"
)

const testNamespace = "test"

type fixture struct {
	store  *memory.Memory
	clock  *testutil.FakeClock
	engine *Engine
}

func newFixture(t *testing.T, mode ratelimiter.FailureMode) *fixture {
	t.Helper()
	return newFixtureStore(t, memory.New(), mode)
}

func newFixtureStore(t *testing.T, st store.Store, mode ratelimiter.FailureMode) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	resolver, err := limitcache.New(limitcache.Config{Namespace: testNamespace, Store: st})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	eng, err := New(Config{
		Namespace:   testNamespace,
		Store:       st,
		Resolver:    resolver,
		FailureMode: mode,
		Clock:       clock.Func(),
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx := testutil.Context(t, 0)
	if _, err := eng.RegisterNamespace(ctx, testNamespace); err != nil {
		t.Fatalf("register namespace: %v", err)
	}
	mem, _ := st.(*memory.Memory)
	return &fixture{store: mem, clock: clock, engine: eng}
}

func acquireReq(consume map[string]int64) ratelimiter.AcquireRequest {
	return ratelimiter.AcquireRequest{
		EntityID: "acct-1",
		Resource: "gpt-4",
		Consume:  ratelimiter.NewConsumeMap(consume),
		Limits:   testutil.TokenLimits(),
	}
}

func mustAcquire(t *testing.T, f *fixture, req ratelimiter.AcquireRequest) ratelimiter.Lease {
	t.Helper()
	lease, err := f.engine.Acquire(testutil.Context(t, 0), req)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return lease
}

func availableTokens(t *testing.T, f *fixture, entityID, name string) int64 {
	t.Helper()
	levels, err := f.engine.Available(testutil.Context(t, 0), ratelimiter.AvailabilityRequest{
		EntityID: entityID,
		Resource: "gpt-4",
		Limits:   testutil.TokenLimits(),
	})
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	for _, l := range levels {
		if l.Name == name {
			return l.Available
		}
	}
	t.Fatalf("limit %s not reported", name)
	return 0
}

// failingStore wraps a store overriding chosen operations with an outage.
type failingStore struct {
	store.Store
	failGet     bool
	failConsume bool
}

var errOutage = errors.New("store outage")

func (f *failingStore) GetBucket(ctx context.Context, key bucket.Key) (bucket.Record, error) {
	if f.failGet {
		return bucket.Record{}, errOutage
	}
	return f.Store.GetBucket(ctx, key)
}

func (f *failingStore) NormalConsume(ctx context.Context, key bucket.Key, expectedRefillMs, nowMs int64, debits []store.Debit, expiresAt int64) (store.ConsumeResult, error) {
	if f.failConsume {
		return store.ConsumeResult{}, errOutage
	}
	return f.Store.NormalConsume(ctx, key, expectedRefillMs, nowMs, debits, expiresAt)
}
