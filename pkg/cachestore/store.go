// Package cachestore persists accumulators by name inside a namespace of a
// shared container.
//
// A Store fronts a durable Container (directory, badger or S3) with a bounded
// in-process mirror so that a process always reads its own writes. Entries
// are encoded with the accum codec; every write is all-or-nothing per name
// and the last write wins.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eunmann/histcache/internal/logctx"
	"github.com/eunmann/histcache/pkg/accum"
)

var (
	// ErrNotFound is the probe miss for a name absent from the namespace.
	ErrNotFound = errors.New("cache entry not found")
	// ErrSerialization indicates an accumulator that could not be encoded.
	ErrSerialization = errors.New("cache serialization failed")
	// ErrCorruptEntry indicates a stored entry that could not be decoded.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

// Entry describes one stored accumulator.
type Entry struct {
	Name    string
	Title   string
	Type    string
	Kind    accum.Kind
	Entries int64
	Size    int64
	Written time.Time
}

// Store is a cache namespace with an in-process mirror.
type Store struct {
	cfg       Config
	container Container
	mirror    *lru.Cache[string, accum.Accumulator]
	now       func() time.Time
}

// Open opens the container described by cfg, creating the container and
// namespace if absent.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		c   Container
		err error
	)
	switch cfg.Backend {
	case BackendDir, "":
		c, err = openDirContainer(cfg.Container)
	case BackendBadger:
		c, err = openBadgerContainer(cfg.Container, cfg.InMemory)
	case BackendS3:
		c, err = openS3Container(ctx, cfg.Container, cfg.S3)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidLocation, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	s, err := NewStore(ctx, c, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

// OpenLocation parses loc and opens it.
func OpenLocation(ctx context.Context, loc string) (*Store, error) {
	cfg, err := ParseLocation(loc)
	if err != nil {
		return nil, err
	}
	return Open(ctx, cfg)
}

// NewStore wraps an already open container.
func NewStore(ctx context.Context, c Container, cfg Config) (*Store, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	size := cfg.MirrorSize
	if size <= 0 {
		size = DefaultMirrorSize
	}
	mirror, err := lru.New[string, accum.Accumulator](size)
	if err != nil {
		return nil, fmt.Errorf("create mirror: %w", err)
	}
	if err := c.EnsureNamespace(ctx, cfg.Namespace); err != nil {
		return nil, fmt.Errorf("ensure namespace %s: %w", cfg.Namespace, err)
	}
	return &Store{cfg: cfg, container: c, mirror: mirror, now: time.Now}, nil
}

// Namespace returns the namespace name.
func (s *Store) Namespace() string { return s.cfg.Namespace }

// Location returns the location string of the store.
func (s *Store) Location() string { return s.cfg.String() }

// Lookup returns a copy of the stored accumulator called name. A miss
// returns ErrNotFound and an undecodable entry ErrCorruptEntry.
func (s *Store) Lookup(ctx context.Context, name string) (accum.Accumulator, error) {
	if acc, ok := s.mirror.Get(name); ok {
		return acc.Clone(), nil
	}

	data, err := s.container.Get(ctx, s.cfg.Namespace, name)
	if err != nil {
		return nil, err
	}
	acc, _, err := accum.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrCorruptEntry, err)
	}
	if acc.Name() != name {
		return nil, fmt.Errorf("%s: %w: holds %q", name, ErrCorruptEntry, acc.Name())
	}
	s.mirror.Add(name, acc.Clone())
	return acc, nil
}

// Has reports whether a decodable entry called name exists.
func (s *Store) Has(ctx context.Context, name string) bool {
	_, err := s.Lookup(ctx, name)
	return err == nil
}

// Store writes acc under its own name, replacing any prior entry. An encode
// failure wraps ErrSerialization and leaves prior content untouched.
func (s *Store) Store(ctx context.Context, acc accum.Accumulator) error {
	data, err := accum.Encode(acc, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := s.container.Put(ctx, s.cfg.Namespace, acc.Name(), data); err != nil {
		return fmt.Errorf("store %s: %w", acc.Name(), err)
	}
	s.mirror.Add(acc.Name(), acc.Clone())
	logger := logctx.FromContext(ctx)
	logger.Debug().
		Str("name", acc.Name()).
		Int("bytes", len(data)).
		Msg("stored accumulator")
	return nil
}

// Entries enumerates the namespace from durable storage. Corrupt entries are
// logged and skipped.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	names, err := s.container.List(ctx, s.cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("list namespace %s: %w", s.cfg.Namespace, err)
	}
	logger := logctx.FromContext(ctx)
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := s.container.Get(ctx, s.cfg.Namespace, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		h, err := accum.DecodeHeader(data)
		if err != nil {
			logger.Warn().Err(err).Str("name", name).Msg("skipping corrupt cache entry")
			continue
		}
		out = append(out, Entry{
			Name:    name,
			Title:   h.Title,
			Type:    h.Type,
			Kind:    h.Kind,
			Entries: h.Entries,
			Size:    int64(len(data)),
			Written: h.Written,
		})
	}
	return out, nil
}

// Close releases the container.
func (s *Store) Close() error {
	s.mirror.Purge()
	return s.container.Close()
}
