// Package fields determines which input columns a fill routine reads.
//
// A fill routine is analyzed from its Go source text: every call of the form
// rec.Float("px") on the routine's record parameter contributes "px" to the
// routine's field set. Anything the analysis cannot account for (a computed
// field name, the record escaping into another function) widens the result to
// the wildcard, which means "read every column".
package fields

import (
	"errors"
	"sort"
	"strings"
)

// Wildcard is the sentinel field name meaning "all fields".
const Wildcard = "*"

// ErrMalformedFillRoutine indicates the routine source does not follow the
// func(rec, accumulators) convention and no field list can be inferred.
var ErrMalformedFillRoutine = errors.New("malformed fill routine")

// Set is a set of field names. A nil Set is empty.
type Set map[string]struct{}

// Of returns a set holding the given names. Wildcard among them yields All().
func Of(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// All returns the wildcard set.
func All() Set {
	return Set{Wildcard: {}}
}

// Add inserts a field name. Adding the wildcard collapses the set.
func (s Set) Add(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if name == Wildcard {
		for k := range s {
			delete(s, k)
		}
	}
	if s.IsAll() {
		return
	}
	s[name] = struct{}{}
}

// Has reports whether name is covered by the set.
func (s Set) Has(name string) bool {
	if s.IsAll() {
		return true
	}
	_, ok := s[name]
	return ok
}

// IsAll reports whether the set is the wildcard.
func (s Set) IsAll() bool {
	_, ok := s[Wildcard]
	return ok
}

// Union returns a new set containing the fields of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for k := range s {
		out.Add(k)
	}
	for k := range other {
		out.Add(k)
	}
	return out
}

// Sorted returns the field names in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String renders the set as a comma separated list.
func (s Set) String() string {
	return strings.Join(s.Sorted(), ",")
}
