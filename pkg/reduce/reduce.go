// Package reduce merges partial accumulator sets produced by work chunks.
package reduce

import (
	"errors"
	"fmt"
	"sort"

	"github.com/eunmann/histcache/pkg/accum"
)

// ErrNoParts indicates a merge over an empty input.
var ErrNoParts = errors.New("no partial results to merge")

// Partial is the output of one chunk or merge node: accumulator sets keyed
// by definition name. Seq orders partials along the record stream.
type Partial struct {
	Seq     int
	Records int64
	Sets    map[string]accum.Set
}

// Kinds gives the merge discipline of every accumulator per definition.
type Kinds map[string]map[string]accum.Kind

// Reducer merges partials using the disciplines recorded at registration.
type Reducer struct {
	kinds Kinds
}

// New creates a reducer for the given disciplines.
func New(kinds Kinds) *Reducer {
	return &Reducer{kinds: kinds}
}

// Merge folds parts in Seq order. The result carries the smallest input Seq
// and is itself a valid input to Merge. Inputs are not modified.
func (r *Reducer) Merge(parts []Partial) (Partial, error) {
	if len(parts) == 0 {
		return Partial{}, ErrNoParts
	}
	ordered := append([]Partial(nil), parts...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	out := Partial{
		Seq:     ordered[0].Seq,
		Records: ordered[0].Records,
		Sets:    make(map[string]accum.Set, len(ordered[0].Sets)),
	}
	for def, set := range ordered[0].Sets {
		out.Sets[def] = set.Clone()
	}

	for _, p := range ordered[1:] {
		out.Records += p.Records
		for def, set := range p.Sets {
			dst, ok := out.Sets[def]
			if !ok {
				out.Sets[def] = set.Clone()
				continue
			}
			if err := r.mergeSet(def, dst, set); err != nil {
				return Partial{}, err
			}
		}
	}
	return out, nil
}

func (r *Reducer) mergeSet(def string, dst, src accum.Set) error {
	for name, acc := range src {
		target, ok := dst[name]
		if !ok {
			dst[name] = acc.Clone()
			continue
		}
		kind, ok := r.kinds[def][name]
		if !ok {
			return fmt.Errorf("%s/%s: no registered merge kind", def, name)
		}

		var err error
		switch kind {
		case accum.KindAdditive:
			a, ok := target.(accum.Adder)
			if !ok {
				return fmt.Errorf("%s/%s: %w: %T is not additive", def, name, accum.ErrShapeMismatch, target)
			}
			err = a.Add(acc)
		case accum.KindAppendable:
			a, ok := target.(accum.Appender)
			if !ok {
				return fmt.Errorf("%s/%s: %w: %T is not appendable", def, name, accum.ErrShapeMismatch, target)
			}
			err = a.Append(acc)
		default:
			return fmt.Errorf("%s/%s: unsupported merge kind %v", def, name, kind)
		}
		if err != nil {
			return fmt.Errorf("merge %s/%s: %w", def, name, err)
		}
	}
	return nil
}
