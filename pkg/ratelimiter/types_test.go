package ratelimiter

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestLimitValidate(t *testing.T) {
	valid := Limit{Name: "rpm", Capacity: 10, Burst: 12, RefillAmount: 10, RefillPeriod: time.Minute}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid limit rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Limit)
		field  string
	}{
		{"empty name", func(l *Limit) { l.Name = "" }, "limit"},
		{"zero capacity", func(l *Limit) { l.Capacity = 0 }, "capacity"},
		{"negative capacity", func(l *Limit) { l.Capacity = -1 }, "capacity"},
		{"burst below capacity", func(l *Limit) { l.Burst = 9 }, "burst"},
		{"zero refill amount", func(l *Limit) { l.RefillAmount = 0 }, "refill_amount"},
		{"zero refill period", func(l *Limit) { l.RefillPeriod = 0 }, "refill_period"},
	}
	for _, tc := range cases {
		l := valid
		tc.mutate(&l)
		err := l.Validate()
		var invalid *ValidationError
		if !errors.As(err, &invalid) {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
			continue
		}
		if invalid.Field != tc.field {
			t.Errorf("%s: field = %s, want %s", tc.name, invalid.Field, tc.field)
		}
	}
}

func TestPerMinute(t *testing.T) {
	l := PerMinute("rpm", 60)
	if err := l.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if l.Burst != 60 || l.RefillAmount != 60 || l.RefillPeriod != time.Minute {
		t.Fatalf("limit = %+v", l)
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"acct-1", "gpt-4", "a", "Model_2.1", "übermodel"} {
		if err := ValidateIdentifier("entity", ok); err != nil {
			t.Errorf("%q rejected: %v", ok, err)
		}
	}
	long := make([]byte, MaxIdentifierLen+1)
	for i := range long {
		long[i] = 'a'
	}
	for _, bad := range []string{"", "-leading-dash", "has" + KeyDelimiter + "delim", string(long)} {
		if err := ValidateIdentifier("entity", bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestConsumeMapOrderAndNegate(t *testing.T) {
	m := NewConsumeMap(map[string]int64{"tokens": 500, "requests": 1, "images": 2})
	if got, want := m.Names(), []string{"images", "requests", "tokens"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	if m.Len() != 3 || m.IsZero() {
		t.Fatalf("len = %d, zero = %v", m.Len(), m.IsZero())
	}
	if v, ok := m.Get("tokens"); !ok || v != 500 {
		t.Fatalf("tokens = %d, %v", v, ok)
	}

	n := m.Negate()
	if v, _ := n.Get("tokens"); v != -500 {
		t.Fatalf("negated tokens = %d, want -500", v)
	}
	// The original is untouched.
	if v, _ := m.Get("tokens"); v != 500 {
		t.Fatalf("original mutated: %d", v)
	}

	if !NewConsumeMap(nil).IsZero() {
		t.Fatal("empty map not zero")
	}
}

func TestFailureModeString(t *testing.T) {
	if FailClosed.String() != "block" || FailOpen.String() != "allow" {
		t.Fatalf("strings = %s / %s", FailClosed, FailOpen)
	}
}

func TestNewLeaseID(t *testing.T) {
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 1000; i++ {
		id := NewLeaseID()
		if seen[id] {
			t.Fatalf("duplicate lease id %s", id)
		}
		seen[id] = true
		if len(id) != len(prev) && prev != "" {
			t.Fatalf("inconsistent id length: %q vs %q", id, prev)
		}
		prev = id
	}
}
