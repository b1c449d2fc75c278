// Package capability defines the host-granted rights an agent execution may
// exercise. Capabilities are opaque string tokens following a
// "namespace:operation" convention (e.g. "drug-database:read"). The host
// constructs a Set at startup and may extend it before an execution begins;
// the core never modifies it during execution.
package capability

import "sort"

// Capability is a named, host-granted right permitting a class of external effects.
type Capability string

// Set is an unordered collection of capabilities with O(1) lookup.
type Set struct {
	caps map[Capability]struct{}
}

// NewSet creates a set holding the given capabilities.
func NewSet(caps ...Capability) *Set {
	s := &Set{caps: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.caps[c] = struct{}{}
	}
	return s
}

// Has reports whether the capability is held.
func (s *Set) Has(c Capability) bool {
	if s == nil {
		return false
	}
	_, ok := s.caps[c]
	return ok
}

// Grant adds a capability. Intended for host use before an execution begins.
func (s *Set) Grant(c Capability) {
	s.caps[c] = struct{}{}
}

// All returns the held capabilities in sorted order.
func (s *Set) All() []Capability {
	if s == nil {
		return nil
	}
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of held capabilities.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.caps)
}

// Snapshot returns an independent copy. The executor snapshots the host's set
// at step entry so later grants cannot affect an in-flight step.
func (s *Set) Snapshot() *Set {
	if s == nil {
		return NewSet()
	}
	out := &Set{caps: make(map[Capability]struct{}, len(s.caps))}
	for c := range s.caps {
		out.caps[c] = struct{}{}
	}
	return out
}
