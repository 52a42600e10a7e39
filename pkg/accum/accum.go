// Package accum defines the statistical accumulators filled from records.
//
// Every accumulator carries an explicit merge discipline (Kind): additive
// accumulators are combined by element-wise sums, appendable accumulators by
// concatenating their rows in order. Merging code dispatches on the Kind
// recorded at registration, not on the concrete Go type.
package accum

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrShapeMismatch indicates two accumulators cannot be combined.
	ErrShapeMismatch = errors.New("accumulator shape mismatch")
	// ErrInvalid indicates an accumulator whose internal state is inconsistent.
	ErrInvalid = errors.New("invalid accumulator")
	// ErrUnknownType indicates an encoded accumulator of an unregistered type.
	ErrUnknownType = errors.New("unknown accumulator type")
	// ErrBadMagic indicates encoded data that is not an accumulator envelope.
	ErrBadMagic = errors.New("accumulator magic mismatch")
)

// Kind is the merge discipline of an accumulator.
type Kind uint8

const (
	// KindAdditive accumulators merge by element-wise sum.
	KindAdditive Kind = iota + 1
	// KindAppendable accumulators merge by ordered concatenation.
	KindAppendable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAdditive:
		return "additive"
	case KindAppendable:
		return "appendable"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Accumulator is a mutable summary built incrementally from records.
type Accumulator interface {
	// Name is the self-identifying name, unique within a cache namespace.
	Name() string
	// Title is a human readable label.
	Title() string
	// Kind is the merge discipline.
	Kind() Kind
	// Entries is the number of fill operations applied.
	Entries() int64
	// Clone returns a deep copy.
	Clone() Accumulator
	// Validate checks internal consistency before encoding.
	Validate() error
}

// Adder is implemented by additive accumulators.
type Adder interface {
	Accumulator
	Add(other Accumulator) error
}

// Appender is implemented by appendable accumulators.
type Appender interface {
	Accumulator
	Append(other Accumulator) error
}

// Set maps accumulator names to accumulators, as produced by a constructor.
type Set map[string]Accumulator

// Names returns the accumulator names in lexical order.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies every accumulator in the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, a := range s {
		out[k] = a.Clone()
	}
	return out
}

// Kinds returns the merge discipline of every accumulator in the set.
func (s Set) Kinds() map[string]Kind {
	out := make(map[string]Kind, len(s))
	for k, a := range s {
		out[k] = a.Kind()
	}
	return out
}

// CheckNames verifies that every key equals the accumulator's own name.
func (s Set) CheckNames() error {
	for _, k := range s.Names() {
		a := s[k]
		if a == nil {
			return fmt.Errorf("accumulator %q is nil", k)
		}
		if a.Name() != k {
			return fmt.Errorf("accumulator %q does not match its object name %q", k, a.Name())
		}
	}
	return nil
}
