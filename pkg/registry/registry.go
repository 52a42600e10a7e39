// Package registry holds named summary definitions and their fill state.
//
// A definition pairs a constructor, producing a fresh set of named
// accumulators, with a fill routine applied once per record. Registration
// runs the constructor once to check that every accumulator names itself by
// its key and to record each accumulator's merge discipline.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/fields"
	"github.com/eunmann/histcache/pkg/record"
)

var (
	// ErrConfiguration indicates an invalid definition.
	ErrConfiguration = errors.New("configuration error")
	// ErrIdentityMismatch indicates a constructor whose accumulators do not
	// carry the name they are keyed under.
	ErrIdentityMismatch = fmt.Errorf("%w: accumulator identity mismatch", ErrConfiguration)
	// ErrUnknownDefinition indicates a name with no registered definition.
	ErrUnknownDefinition = errors.New("unknown summary definition")
)

// State is the fill state of a definition.
type State int

const (
	Uncomputed State = iota
	Pending
	Filled
)

func (s State) String() string {
	switch s {
	case Uncomputed:
		return "uncomputed"
	case Pending:
		return "pending"
	case Filled:
		return "filled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InitFunc returns a fresh, empty set of accumulators.
type InitFunc func() accum.Set

// FillFunc updates accumulators from one record.
type FillFunc func(rec record.Record, acc accum.Set) error

// Definition is a registered summary.
type Definition struct {
	Name   string
	Title  string
	Init   InitFunc
	Fill   FillFunc
	Fields fields.Set
	// Kinds is the merge discipline of every accumulator, keyed by name.
	Kinds map[string]accum.Kind

	State State
	// Filled holds accumulators known to be complete, from a fill or the cache.
	Filled accum.Set
	// Filling holds accumulators of an in-progress sequential fill.
	Filling accum.Set
}

// Names returns the accumulator names in lexical order.
func (d *Definition) Names() []string {
	out := make([]string, 0, len(d.Kinds))
	for k := range d.Kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NewSet runs the constructor, checking identity again so a constructor that
// changes behavior after registration cannot corrupt a namespace.
func (d *Definition) NewSet() (accum.Set, error) {
	set := d.Init()
	if err := set.CheckNames(); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", d.Name, ErrIdentityMismatch, err)
	}
	return set, nil
}

// Option configures a definition at registration.
type Option func(*options)

type options struct {
	fields fields.Set
	source string
	title  string
}

// WithFields declares the fields the fill routine reads. It bypasses source
// analysis and may contain fields.Wildcard.
func WithFields(names ...string) Option {
	return func(o *options) { o.fields = fields.Of(names...) }
}

// WithSource supplies the Go source of the fill routine for field analysis.
func WithSource(src string) Option {
	return func(o *options) { o.source = src }
}

// WithTitle sets a display title for the definition.
func WithTitle(title string) Option {
	return func(o *options) { o.title = title }
}

// Registry stores definitions by name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	order []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds or replaces a definition and returns its accumulator count.
// On any error nothing is registered and the count is 0.
func (r *Registry) Register(name string, init InitFunc, fill FillFunc, opts ...Option) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty definition name", ErrConfiguration)
	}
	if init == nil || fill == nil {
		return 0, fmt.Errorf("%w: %s: constructor and fill routine are required", ErrConfiguration, name)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	def := &Definition{Name: name, Title: o.title, Init: init, Fill: fill}
	scratch, err := def.NewSet()
	if err != nil {
		return 0, err
	}
	if len(scratch) == 0 {
		return 0, fmt.Errorf("%w: %s: constructor returned no accumulators", ErrConfiguration, name)
	}
	def.Kinds = scratch.Kinds()
	for acc, k := range def.Kinds {
		if k != accum.KindAdditive && k != accum.KindAppendable {
			return 0, fmt.Errorf("%w: %s/%s: unsupported merge kind %v", ErrConfiguration, name, acc, k)
		}
	}

	switch {
	case o.fields != nil:
		def.Fields = o.fields
	case o.source != "":
		fs, err := fields.Infer(o.source)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		def.Fields = fs
	default:
		def.Fields = fields.All()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; !exists {
		r.order = append(r.order, name)
	}
	r.defs[name] = def
	return len(scratch), nil
}

// Get returns the definition called name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns definition names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, len(r.order))
	for i, n := range r.order {
		out[i] = r.defs[n]
	}
	return out
}

// Pending returns the definitions in the Pending state.
func (r *Registry) Pending() []*Definition {
	var out []*Definition
	for _, d := range r.Definitions() {
		if d.State == Pending {
			out = append(out, d)
		}
	}
	return out
}

// Owner returns the definition whose constructor produces accumulator acc.
func (r *Registry) Owner(acc string) (*Definition, bool) {
	for _, d := range r.Definitions() {
		if _, ok := d.Kinds[acc]; ok {
			return d, true
		}
	}
	return nil, false
}
