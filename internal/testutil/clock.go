package testutil

import (
	"sync"
	"time"
)

// FakeClock is a controllable clock for deterministic refill tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock initializes a FakeClock at the provided start time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NowMs returns the current fake time in unix milliseconds.
func (c *FakeClock) NowMs() int64 {
	return c.Now().UnixMilli()
}

// Advance moves the fake time forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Func returns the clock in the function form engine configs take.
func (c *FakeClock) Func() func() time.Time {
	return c.Now
}
