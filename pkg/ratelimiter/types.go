package ratelimiter

import "time"

// MilliPerToken is the internal scaling factor between user-visible tokens
// and millitokens. All bucket arithmetic is integer millitoken math so that
// fractional per-second refill rates need no floating point.
const MilliPerToken = 1000

// Limit describes one named token bucket: capacity and burst in whole
// tokens, refilled by RefillAmount tokens every RefillPeriod.
type Limit struct {
	Name         string        `json:"name"`
	Capacity     int64         `json:"capacity"`
	Burst        int64         `json:"burst"`
	RefillAmount int64         `json:"refill_amount"`
	RefillPeriod time.Duration `json:"refill_period"`
}

// Validate checks the limit invariants: Burst >= Capacity > 0,
// RefillAmount > 0 and RefillPeriod > 0.
func (l Limit) Validate() error {
	if err := ValidateIdentifier("limit", l.Name); err != nil {
		return err
	}
	if l.Capacity <= 0 {
		return &ValidationError{Field: "capacity", Value: l.Name, Reason: "must be positive"}
	}
	if l.Burst < l.Capacity {
		return &ValidationError{Field: "burst", Value: l.Name, Reason: "must be >= capacity"}
	}
	if l.RefillAmount <= 0 {
		return &ValidationError{Field: "refill_amount", Value: l.Name, Reason: "must be positive"}
	}
	if l.RefillPeriod <= 0 {
		return &ValidationError{Field: "refill_period", Value: l.Name, Reason: "must be positive"}
	}
	return nil
}

// PerMinute returns a limit refilling capacity tokens every minute with
// burst equal to capacity.
func PerMinute(name string, capacity int64) Limit {
	return Limit{
		Name:         name,
		Capacity:     capacity,
		Burst:        capacity,
		RefillAmount: capacity,
		RefillPeriod: time.Minute,
	}
}

// Entity is one member of the tenant forest. A child entity's cascade
// consumption also debits the parent's bucket for the same resource.
type Entity struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	ParentID string            `json:"parent_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FailureMode decides the outcome of an acquire when the backing store is
// unreachable.
type FailureMode int

const (
	// FailClosed surfaces store outages as ErrUnavailable.
	FailClosed FailureMode = iota
	// FailOpen grants a zero-entry lease as if nothing was requested.
	FailOpen
)

// String returns the config-file spelling of the mode.
func (m FailureMode) String() string {
	if m == FailOpen {
		return "allow"
	}
	return "block"
}

// AcquireRequest asks for tokens on one or more limits of a resource.
type AcquireRequest struct {
	EntityID  string
	Resource  string
	Principal string
	Consume   ConsumeMap
	// Limits supplies the limit set, or the fallback set when
	// UseStoredLimits is true and no configuration record matches.
	Limits          []Limit
	UseStoredLimits bool
	Cascade         bool
	// Speculative admits or rejects with a single conditional write and no
	// prior read. The bucket is not refilled on this path.
	Speculative bool
	// FailureMode overrides the limiter-wide default for this call.
	FailureMode *FailureMode
}

// AvailabilityRequest is a read-only projection query against one bucket.
type AvailabilityRequest struct {
	EntityID string
	Resource string
	Limits   []Limit
	// Needed is consulted by TimeUntilAvailable only.
	Needed ConsumeMap
}

// LimitAvailability reports the projected level of one limit.
type LimitAvailability struct {
	Name      string `json:"name"`
	Capacity  int64  `json:"capacity"`
	Available int64  `json:"available"`
}

// CapacityRequest asks for aggregate capacity across all entities holding a
// bucket for one resource.
type CapacityRequest struct {
	Resource string
	// ParentsOnly excludes entities that have a parent, counting each
	// hierarchy once at its root.
	ParentsOnly bool
}

// LimitCapacity aggregates one limit across the matched entities.
type LimitCapacity struct {
	Name        string  `json:"name"`
	Capacity    int64   `json:"capacity"`
	Available   int64   `json:"available"`
	Utilization float64 `json:"utilization"`
}

// CapacityReport is the fan-out aggregate for one resource.
type CapacityReport struct {
	Resource string          `json:"resource"`
	Entities int             `json:"entities"`
	Limits   []LimitCapacity `json:"limits"`
}
