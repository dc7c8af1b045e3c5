package testutil

import (
	"context"
	"testing"
	"time"
)

const defaultTestTimeout = 5 * time.Second

// Context returns a context that is cancelled when the test ends. A
// non-positive timeout selects the default; the test binary deadline, when
// set, always wins.
func Context(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	if timeout <= 0 {
		timeout = defaultTestTimeout
	}
	if d, ok := t.(interface{ Deadline() (time.Time, bool) }); ok {
		if deadline, ok := d.Deadline(); ok {
			if budget := time.Until(deadline) - time.Second; budget > 0 && budget < timeout {
				timeout = budget
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
