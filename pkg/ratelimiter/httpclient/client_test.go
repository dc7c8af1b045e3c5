package httpclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"limitd/internal/api"
	"limitd/internal/testutil"
	"limitd/pkg/ratelimiter"
	"limitd/pkg/ratelimiter/local"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	limiter, err := local.New(context.Background(), local.Config{Namespace: "test"})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	srv := httptest.NewServer(api.NewHandler(api.Config{Limiter: limiter, LeaseHold: time.Minute}))
	t.Cleanup(srv.Close)
	return NewWithTimeout(srv.URL, 5*time.Second)
}

func TestClient_AcquireAdjustCommit(t *testing.T) {
	c := newClient(t)
	ctx := testutil.Context(t, 0)

	lease, err := c.Acquire(ctx, ratelimiter.AcquireRequest{
		EntityID: "acct-1",
		Resource: "gpt-4",
		Consume:  ratelimiter.Consume("tokens", 100),
		Limits:   testutil.TokenLimits(),
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.(*remoteLease).ID() == "" {
		t.Fatal("empty lease id")
	}
	if err := lease.Adjust(ctx, ratelimiter.Consume("tokens", 150)); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if got := lease.Consumed()["tokens"]; got != 250 {
		t.Fatalf("consumed = %d, want 250", got)
	}
	lease.Commit()

	levels, err := c.Available(ctx, ratelimiter.AvailabilityRequest{
		EntityID: "acct-1",
		Resource: "gpt-4",
		Limits:   testutil.TokenLimits(),
	})
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	for _, l := range levels {
		if l.Name == "tokens" && l.Available != 10_000-250 {
			t.Fatalf("available = %d, want %d", l.Available, 10_000-250)
		}
	}
}

func TestClient_DenialRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := testutil.Context(t, 0)

	req := ratelimiter.AcquireRequest{
		EntityID: "acct-1",
		Resource: "gpt-4",
		Consume:  ratelimiter.Consume("tokens", 10_000),
		Limits:   testutil.TokenLimits(),
	}
	lease, err := c.Acquire(ctx, req)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Commit()

	req.Consume = ratelimiter.Consume("tokens", 1)
	_, err = c.Acquire(ctx, req)
	var denied *ratelimiter.RateLimitExceededError
	if !errors.As(err, &denied) {
		t.Fatalf("acquire = %v, want RateLimitExceededError", err)
	}
	if denied.EntityID != "acct-1" || denied.RetryAfter <= 0 {
		t.Fatalf("denial = %+v", denied)
	}
	var failed bool
	for _, v := range denied.Violations {
		if !v.Passed && v.Name == "tokens" {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("violations = %+v, want failing tokens entry", denied.Violations)
	}
}

func TestClient_RollbackRestoresTokens(t *testing.T) {
	c := newClient(t)
	ctx := testutil.Context(t, 0)

	lease, err := c.Acquire(ctx, ratelimiter.AcquireRequest{
		EntityID: "acct-1",
		Resource: "gpt-4",
		Consume:  ratelimiter.Consume("tokens", 4_000),
		Limits:   testutil.TokenLimits(),
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lease.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	levels, err := c.Available(ctx, ratelimiter.AvailabilityRequest{
		EntityID: "acct-1", Resource: "gpt-4", Limits: testutil.TokenLimits(),
	})
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	for _, l := range levels {
		if l.Name == "tokens" && l.Available != 10_000 {
			t.Fatalf("available = %d, want 10000", l.Available)
		}
	}
}

func TestClient_AdminRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := testutil.Context(t, 0)

	id, err := c.RegisterNamespace(ctx, "billing")
	if err != nil || id == "" {
		t.Fatalf("register namespace: id %q, err %v", id, err)
	}
	if err := c.CreateEntity(ctx, ratelimiter.Entity{ID: "org-1", Name: "Org"}); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	err = c.CreateEntity(ctx, ratelimiter.Entity{ID: "org-1"})
	if !errors.As(err, new(*ratelimiter.EntityExistsError)) {
		t.Fatalf("duplicate create = %v, want EntityExistsError", err)
	}
	ent, err := c.GetEntity(ctx, "org-1")
	if err != nil || ent.Name != "Org" {
		t.Fatalf("get entity = %+v, %v", ent, err)
	}
	if _, err := c.GetEntity(ctx, "ghost"); !errors.As(err, new(*ratelimiter.EntityNotFoundError)) {
		t.Fatalf("missing entity = %v, want EntityNotFoundError", err)
	}
	if err := c.SetLimits(ctx, "", "gpt-4", []ratelimiter.Limit{ratelimiter.PerMinute("rpm", 5)}, ratelimiter.FailClosed); err != nil {
		t.Fatalf("set limits: %v", err)
	}
}

func TestClient_ServerDown(t *testing.T) {
	c := NewWithTimeout("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.Acquire(testutil.Context(t, 0), ratelimiter.AcquireRequest{
		EntityID: "acct-1",
		Resource: "gpt-4",
		Consume:  ratelimiter.Consume("tokens", 1),
		Limits:   testutil.TokenLimits(),
	})
	if !ratelimiter.IsUnavailable(err) {
		t.Fatalf("unreachable server = %v, want UnavailableError", err)
	}
}
