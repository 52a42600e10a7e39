// Package engine fills, caches and serves summary accumulators over a
// record chain.
//
// A Session ties a chain of sources to a cache namespace. Definitions are
// declared once; Fill computes only those not already cached, either by a
// sequential scan or by submitting a graph of chunk and merge nodes to a
// parallel client, then persists the results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/eunmann/histcache/internal/logctx"
	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/cachestore"
	"github.com/eunmann/histcache/pkg/record"
	"github.com/eunmann/histcache/pkg/registry"
	"github.com/eunmann/histcache/pkg/render"
	"github.com/eunmann/histcache/pkg/taskgraph"
)

// Session is the state of one analysis: registry, cache store, optional
// parallel client and drawn canvases. Sessions share nothing but the
// durable store.
type Session struct {
	chain  *record.Chain
	store  *cachestore.Store
	reg    *registry.Registry
	client taskgraph.Client
	owned  bool

	startRow int64
	maxRows  int64

	canvases []render.Canvas
}

// Option configures a Session.
type Option func(*Session)

// WithStartRow skips the first n records of a sequential scan.
func WithStartRow(n int64) Option {
	return func(s *Session) { s.startRow = n }
}

// WithMaxRows limits a sequential scan to n records (<= 0 is unlimited).
func WithMaxRows(n int64) Option {
	return func(s *Session) { s.maxRows = n }
}

// WithClient routes fills through a parallel client owned by the caller.
func WithClient(c taskgraph.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithRegistry uses an existing registry.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Session) { s.reg = r }
}

// New creates a session over chain backed by store.
func New(chain *record.Chain, store *cachestore.Store, opts ...Option) *Session {
	s := &Session{chain: chain, store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = registry.New()
	}
	return s
}

// Registry returns the session's definitions.
func (s *Session) Registry() *registry.Registry { return s.reg }

// Store returns the session's cache store.
func (s *Session) Store() *cachestore.Store { return s.store }

// Declare registers a summary definition. It returns the number of
// accumulators the definition produces, or 0 and an error.
func (s *Session) Declare(name string, init registry.InitFunc, fill registry.FillFunc, opts ...registry.Option) (int, error) {
	return s.reg.Register(name, init, fill, opts...)
}

// EnableCluster starts a local parallel cluster owned by the session.
func (s *Session) EnableCluster(cfg taskgraph.ClusterConfig) error {
	c, err := taskgraph.NewLocalCluster(cfg)
	if err != nil {
		return fmt.Errorf("enable cluster: %w", err)
	}
	if s.owned && s.client != nil {
		s.client.Close()
	}
	s.client = c
	s.owned = true
	return nil
}

// Parallel reports whether fills go through a parallel client.
func (s *Session) Parallel() bool { return s.client != nil }

// Get returns the accumulator called name: the resident filled copy, else
// the cached copy, else an empty accumulator from its defining constructor.
func (s *Session) Get(ctx context.Context, name string) (accum.Accumulator, error) {
	for _, d := range s.reg.Definitions() {
		if acc := d.Filled[name]; acc != nil {
			return acc, nil
		}
	}

	acc, err := s.store.Lookup(ctx, name)
	if err == nil {
		return acc, nil
	}
	if errors.Is(err, cachestore.ErrCorruptEntry) {
		logger := logctx.FromContext(ctx)
		logger.Warn().Err(err).Str("name", name).Msg("ignoring corrupt cache entry")
	} else if !errors.Is(err, cachestore.ErrNotFound) {
		return nil, err
	}

	d, ok := s.reg.Owner(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, registry.ErrUnknownDefinition)
	}
	set, err := d.NewSet()
	if err != nil {
		return nil, err
	}
	return set[name], nil
}

// Put stores acc in the cache, replacing any entry of the same name, and
// reports success.
func (s *Session) Put(ctx context.Context, acc accum.Accumulator) bool {
	if err := s.store.Store(ctx, acc); err != nil {
		logger := logctx.FromContext(ctx)
		logger.Error().Err(err).Msg("put failed")
		return false
	}
	return true
}

// List prints known summaries; see registry.Registry.List.
func (s *Session) List(ctx context.Context, includeCached bool, w io.Writer) (int, error) {
	return s.reg.List(ctx, s.store, includeCached, w)
}

// Dump prints every definition and the accumulators it holds.
func (s *Session) Dump(w io.Writer) error {
	return s.reg.Dump(w)
}

// hostFQDN is replaced in tests.
var hostFQDN = func() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	if cname, err := net.LookupCNAME(host); err == nil && cname != "" {
		return strings.TrimSuffix(cname, ".")
	}
	return host
}

// DashboardLink returns the parallel client's monitoring URL with a
// loopback host replaced by this host's fully qualified name, or "" when
// there is no client.
func (s *Session) DashboardLink() string {
	if s.client == nil {
		return ""
	}
	link := s.client.DashboardLink()
	u, err := url.Parse(link)
	if err != nil || link == "" {
		return link
	}
	switch u.Hostname() {
	case "127.0.0.1", "localhost", "::1":
		if fqdn := hostFQDN(); fqdn != "" {
			if port := u.Port(); port != "" {
				u.Host = net.JoinHostPort(fqdn, port)
			} else {
				u.Host = fqdn
			}
		}
	}
	return u.String()
}

// Draw draws layout on a new canvas kept by the session and returns it.
func (s *Session) Draw(ctx context.Context, layout render.Layout, opts render.Options) (render.Canvas, error) {
	c, err := render.Draw(ctx, s, layout, opts)
	if err != nil {
		return nil, err
	}
	s.canvases = append(s.canvases, c)
	return c, nil
}

// Canvases returns the canvases drawn in this session.
func (s *Session) Canvases() []render.Canvas { return s.canvases }

// UpdateCanvases refreshes every canvas from current accumulators and
// renders them to w.
func (s *Session) UpdateCanvases(ctx context.Context, w io.Writer) error {
	for _, c := range s.canvases {
		if err := c.Refresh(ctx, s); err != nil {
			return err
		}
		if err := c.Render(w); err != nil {
			return err
		}
	}
	return nil
}

// Close releases an owned cluster. The store belongs to the caller.
func (s *Session) Close() error {
	if s.owned && s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.owned = false
		return err
	}
	return nil
}
