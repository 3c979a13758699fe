package search

import (
	"maps"
	"slices"
)

// Set is a set of index or alias names.
type Set map[string]struct{}

// NewSet returns a set containing names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Minus returns the elements of s not in other.
func (s Set) Minus(other Set) Set {
	out := make(Set)
	for n := range s {
		if !other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Sorted returns the names in lexical order.
func (s Set) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Only returns the single element of a one-element set.
func (s Set) Only() (string, bool) {
	if len(s) != 1 {
		return "", false
	}
	for n := range s {
		return n, true
	}
	return "", false
}
