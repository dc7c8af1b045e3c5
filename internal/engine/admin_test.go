package engine

import (
	"errors"
	"testing"

	"limitd/internal/testutil"
	"limitd/pkg/ratelimiter"
)

func TestRegisterNamespace_Idempotent(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	ctx := testutil.Context(t, 0)

	first, err := f.engine.RegisterNamespace(ctx, "billing")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := f.engine.RegisterNamespace(ctx, "billing")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first != second {
		t.Fatalf("ids differ: %s vs %s", first, second)
	}
	other, err := f.engine.RegisterNamespace(ctx, "search")
	if err != nil {
		t.Fatalf("register other: %v", err)
	}
	if other == first {
		t.Fatal("distinct names share an id")
	}
}

func TestRegisterNamespace_InvalidName(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	_, err := f.engine.RegisterNamespace(testutil.Context(t, 0), "white space")
	var invalid *ratelimiter.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("invalid name = %v, want ValidationError", err)
	}
}

func TestCreateEntity_DuplicateRejected(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	ctx := testutil.Context(t, 0)

	if err := f.engine.CreateEntity(ctx, ratelimiter.Entity{ID: "acct-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := f.engine.CreateEntity(ctx, ratelimiter.Entity{ID: "acct-1"})
	var exists *ratelimiter.EntityExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("duplicate create = %v, want EntityExistsError", err)
	}
}

func TestCreateEntity_ParentMustExist(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	err := f.engine.CreateEntity(testutil.Context(t, 0), ratelimiter.Entity{ID: "acct-1", ParentID: "org-ghost"})
	var missing *ratelimiter.EntityNotFoundError
	if !errors.As(err, &missing) {
		t.Fatalf("orphan create = %v, want EntityNotFoundError", err)
	}
	if missing.EntityID != "org-ghost" {
		t.Fatalf("missing entity = %s, want org-ghost", missing.EntityID)
	}
}

func TestCreateEntity_SelfParentRejected(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	err := f.engine.CreateEntity(testutil.Context(t, 0), ratelimiter.Entity{ID: "acct-1", ParentID: "acct-1"})
	var invalid *ratelimiter.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("self parent = %v, want ValidationError", err)
	}
}

func TestGetEntity_RoundTrip(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	ctx := testutil.Context(t, 0)

	want := ratelimiter.Entity{
		ID:       "acct-1",
		Name:     "Acme",
		Metadata: map[string]string{"tier": "pro"},
	}
	if err := f.engine.CreateEntity(ctx, want); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := f.engine.GetEntity(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != want.Name || got.Metadata["tier"] != "pro" {
		t.Fatalf("entity = %+v, want %+v", got, want)
	}
	if _, err := f.engine.GetEntity(ctx, "ghost"); !errors.As(err, new(*ratelimiter.EntityNotFoundError)) {
		t.Fatalf("missing get = %v, want EntityNotFoundError", err)
	}
}

func TestSetLimits_Validation(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	ctx := testutil.Context(t, 0)

	cases := []struct {
		name   string
		limits []ratelimiter.Limit
	}{
		{"empty set", nil},
		{"duplicate names", []ratelimiter.Limit{
			ratelimiter.PerMinute("rpm", 10),
			ratelimiter.PerMinute("rpm", 20),
		}},
		{"zero capacity", []ratelimiter.Limit{ratelimiter.PerMinute("rpm", 0)}},
	}
	for _, tc := range cases {
		err := f.engine.SetLimits(ctx, "", "gpt-4", tc.limits, ratelimiter.FailClosed)
		var invalid *ratelimiter.ValidationError
		if !errors.As(err, &invalid) {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}
}

func TestSetLimits_OverridesTakeEffect(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	ctx := testutil.Context(t, 0)

	base := []ratelimiter.Limit{ratelimiter.PerMinute("rpm", 100)}
	if err := f.engine.SetLimits(ctx, "", "gpt-4", base, ratelimiter.FailClosed); err != nil {
		t.Fatalf("set default: %v", err)
	}
	tight := []ratelimiter.Limit{ratelimiter.PerMinute("rpm", 1)}
	if err := f.engine.SetLimits(ctx, "acct-2", "gpt-4", tight, ratelimiter.FailClosed); err != nil {
		t.Fatalf("set override: %v", err)
	}

	req := ratelimiter.AcquireRequest{
		EntityID:        "acct-2",
		Resource:        "gpt-4",
		Consume:         ratelimiter.Consume("rpm", 1),
		UseStoredLimits: true,
	}
	mustAcquire(t, f, req).Commit()
	if _, err := f.engine.Acquire(ctx, req); !ratelimiter.IsRateLimitExceeded(err) {
		t.Fatalf("second call = %v, want denial from per-entity capacity 1", err)
	}

	// Other entities still see the resource default.
	req.EntityID = "acct-3"
	mustAcquire(t, f, req).Commit()
	mustAcquire(t, f, req).Commit()
}

func TestSetLimits_SystemScope(t *testing.T) {
	f := newFixture(t, ratelimiter.FailClosed)
	ctx := testutil.Context(t, 0)

	wide := []ratelimiter.Limit{ratelimiter.PerMinute("rpm", 3)}
	if err := f.engine.SetLimits(ctx, "", "*", wide, ratelimiter.FailOpen); err != nil {
		t.Fatalf("set system default: %v", err)
	}
	req := ratelimiter.AcquireRequest{
		EntityID:        "acct-9",
		Resource:        "some-new-model",
		Consume:         ratelimiter.Consume("rpm", 3),
		UseStoredLimits: true,
	}
	mustAcquire(t, f, req).Commit()
}
