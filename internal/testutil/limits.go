package testutil

import (
	"time"

	"limitd/pkg/ratelimiter"
)

// TokenLimits is a two-limit fixture shaped like an LLM workload: requests
// per minute plus tokens per minute, with burst headroom on tokens.
func TokenLimits() []ratelimiter.Limit {
	return []ratelimiter.Limit{
		{Name: "requests", Capacity: 60, Burst: 60, RefillAmount: 60, RefillPeriod: time.Minute},
		{Name: "tokens", Capacity: 10_000, Burst: 12_000, RefillAmount: 10_000, RefillPeriod: time.Minute},
	}
}

// SingleLimit is a one-limit fixture refilling one token per second.
func SingleLimit(capacity int64) []ratelimiter.Limit {
	return []ratelimiter.Limit{
		{Name: "requests", Capacity: capacity, Burst: capacity, RefillAmount: 1, RefillPeriod: time.Second},
	}
}
