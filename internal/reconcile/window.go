package reconcile

import (
	"fmt"
	"time"
)

// Window types for usage snapshots. Boundaries align to UTC.
const (
	WindowHour  = "hour"
	WindowDay   = "day"
	WindowMonth = "month"
)

// DefaultWindows is the snapshot set written when none is configured.
var DefaultWindows = []string{WindowHour, WindowDay}

// windowStart returns the aligned start of the window containing t, as
// unix milliseconds.
func windowStart(windowType string, t time.Time) (int64, error) {
	u := t.UTC()
	switch windowType {
	case WindowHour:
		return u.Truncate(time.Hour).UnixMilli(), nil
	case WindowDay:
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).UnixMilli(), nil
	case WindowMonth:
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unknown window type %q", windowType)
	}
}
