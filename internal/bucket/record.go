// Package bucket holds the composite bucket data model, its millitoken
// arithmetic and its packed wire encoding. It performs no I/O.
package bucket

import (
	"sort"

	"limitd/pkg/ratelimiter"
)

// Key identifies one composite record: all limits for an (entity, resource)
// pair inside a namespace live in a single store item.
type Key struct {
	Namespace string
	EntityID  string
	Resource  string
}

// PK returns the partition key for the record.
func (k Key) PK() string {
	return "e" + delim + k.Namespace + delim + k.EntityID
}

// SK returns the sort key for the record.
func (k Key) SK() string {
	return bucketSKPrefix + k.Resource
}

// ResourceIndexKey returns the secondary-index key that groups every
// entity's bucket for one resource.
func (k Key) ResourceIndexKey() string {
	return "r" + delim + k.Namespace + delim + k.Resource
}

// String renders the key for logs.
func (k Key) String() string {
	return k.Namespace + "/" + k.EntityID + "/" + k.Resource
}

// LimitState is the unpacked per-limit slice of a composite record. All
// quantities are millitokens; TokensMilli may be negative after a post-hoc
// adjust, TotalConsumedMilli never decreases.
type LimitState struct {
	Name               string
	TokensMilli        int64
	TotalConsumedMilli int64
	CapacityMilli      int64
	BurstMilli         int64
	RefillAmountMilli  int64
	RefillPeriodMs     int64
}

// Record is one composite bucket: an ordered list of per-limit states
// sharing a single refill timestamp.
type Record struct {
	Key          Key
	LastRefillMs int64
	Cascade      bool
	ParentID     string
	Limits       []LimitState
	// ExpiresAtUnix is the per-item expiry in epoch seconds, 0 when the
	// record is permanent.
	ExpiresAtUnix int64
}

// NewRecord builds a fresh record with every bucket full at capacity.
// retentionMultiplier <= 0 disables expiry; custom per-entity limits must
// disable it, since an evicted then recreated bucket resets to full.
func NewRecord(key Key, limits []ratelimiter.Limit, nowMs int64, cascade bool, parentID string, retentionMultiplier float64) Record {
	states := make([]LimitState, 0, len(limits))
	for _, l := range limits {
		states = append(states, NewLimitState(l))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	rec := Record{
		Key:          key,
		LastRefillMs: nowMs,
		Cascade:      cascade,
		ParentID:     parentID,
		Limits:       states,
	}
	rec.ExpiresAtUnix = ExpiryUnix(states, nowMs, retentionMultiplier)
	return rec
}

// NewLimitState converts a user-facing limit into a full millitoken bucket.
func NewLimitState(l ratelimiter.Limit) LimitState {
	return LimitState{
		Name:               l.Name,
		TokensMilli:        l.Capacity * ratelimiter.MilliPerToken,
		TotalConsumedMilli: 0,
		CapacityMilli:      l.Capacity * ratelimiter.MilliPerToken,
		BurstMilli:         l.Burst * ratelimiter.MilliPerToken,
		RefillAmountMilli:  l.RefillAmount * ratelimiter.MilliPerToken,
		RefillPeriodMs:     l.RefillPeriod.Milliseconds(),
	}
}

// Find returns the index of a limit by name.
func (r *Record) Find(name string) (int, bool) {
	for i := range r.Limits {
		if r.Limits[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Limits = make([]LimitState, len(r.Limits))
	copy(out.Limits, r.Limits)
	return out
}
