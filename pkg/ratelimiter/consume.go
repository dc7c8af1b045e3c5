package ratelimiter

import "sort"

// ConsumeMap is an immutable ordered mapping of limit name to whole-token
// quantity. The key set is validated against the active limit set when the
// request is admitted.
type ConsumeMap struct {
	names   []string
	amounts map[string]int64
}

// NewConsumeMap copies amounts into an ordered map. Names iterate in sorted
// order so multi-limit store requests are deterministic.
func NewConsumeMap(amounts map[string]int64) ConsumeMap {
	names := make([]string, 0, len(amounts))
	copied := make(map[string]int64, len(amounts))
	for name, amount := range amounts {
		names = append(names, name)
		copied[name] = amount
	}
	sort.Strings(names)
	return ConsumeMap{names: names, amounts: copied}
}

// Consume is shorthand for a single-limit map.
func Consume(name string, amount int64) ConsumeMap {
	return NewConsumeMap(map[string]int64{name: amount})
}

// Names returns the limit names in sorted order.
func (m ConsumeMap) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Get returns the amount for a limit name.
func (m ConsumeMap) Get(name string) (int64, bool) {
	amount, ok := m.amounts[name]
	return amount, ok
}

// Len returns the number of limits in the map.
func (m ConsumeMap) Len() int {
	return len(m.names)
}

// IsZero reports whether the map holds no entries.
func (m ConsumeMap) IsZero() bool {
	return len(m.names) == 0
}

// Negate returns a copy with every amount sign-flipped.
func (m ConsumeMap) Negate() ConsumeMap {
	out := make(map[string]int64, len(m.amounts))
	for name, amount := range m.amounts {
		out[name] = -amount
	}
	return NewConsumeMap(out)
}
