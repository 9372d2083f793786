// Package set provides a generic string-set used to track the Change
// Ledger's installed/removed/auto-removed package names and the
// Dependency Resolver's added-foreign-architecture set.
package set

import "slices"

var exists = struct{}{}

// Set represents a simple set data structure implemented using a map.
type Set struct {
	m map[string]struct{}
}

// New creates an empty Set.
func New() *Set {
	return &Set{m: make(map[string]struct{})}
}

// NewFrom creates a Set pre-populated with values.
func NewFrom(values ...string) *Set {
	s := New()
	for _, v := range values {
		s.Add(v)
	}

	return s
}

// Add adds a value to the Set. Adding the same value twice has the same
// visible effect as adding it once.
func (s *Set) Add(value string) {
	s.m[value] = exists
}

// Contains reports whether value is present in the set.
func (s *Set) Contains(value string) bool {
	_, ok := s.m[value]

	return ok
}

// Remove removes value from the set. Removing an absent value is a no-op.
func (s *Set) Remove(value string) {
	delete(s.m, value)
}

// Len returns the number of elements in the set.
func (s *Set) Len() int {
	return len(s.m)
}

// Values returns the set's elements in unspecified order.
func (s *Set) Values() []string {
	values := make([]string, 0, len(s.m))
	for v := range s.m {
		values = append(values, v)
	}

	return values
}

// Contains reports whether str is present in array.
func Contains(array []string, str string) bool {
	return slices.Contains(array, str)
}
