package cachestore

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/eunmann/histcache/pkg/s3fetch"
)

// Backend selects the container implementation.
type Backend string

const (
	BackendDir    Backend = "dir"
	BackendBadger Backend = "badger"
	BackendS3     Backend = "s3"
)

// Container path extensions recognized by ParseLocation.
const (
	containerExt = ".cache"
	badgerExt    = ".badger"
)

// DefaultNamespace is used when a location names only a container.
const DefaultNamespace = "default"

// DefaultMirrorSize is the in-process mirror capacity in accumulators.
const DefaultMirrorSize = 1024

// ErrInvalidLocation indicates a cache location that cannot be parsed.
var ErrInvalidLocation = errors.New("invalid cache location")

// Config describes a cache container and namespace.
type Config struct {
	Backend   Backend
	Container string // directory path, badger path or S3 bucket
	Namespace string

	// MirrorSize bounds the in-process mirror; <= 0 uses DefaultMirrorSize.
	MirrorSize int

	// InMemory opens a badger container without touching disk.
	InMemory bool

	// S3 overrides the client used by the S3 backend.
	S3 *s3fetch.Client
}

// DefaultConfig returns a directory-backed config with default sizing.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendDir,
		Namespace:  DefaultNamespace,
		MirrorSize: DefaultMirrorSize,
	}
}

// ParseLocation splits a cache location into container and namespace.
//
// "path/to/view.cache/ns1" is directory container "path/to/view.cache" with
// namespace "ns1". The first component ending in ".cache" or ".badger" ends
// the container path; ".badger" selects badger. Without such a component the
// first component carrying any extension ends it, so "/home/j.doe/cache" is
// container "/home/j.doe" with namespace "cache"; name the container
// "*.cache" to avoid that. "s3://bucket/ns" selects the S3 backend. A
// location without an extension component is a directory container holding
// the default namespace.
func ParseLocation(loc string) (Config, error) {
	cfg := DefaultConfig()
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return cfg, fmt.Errorf("%w: empty", ErrInvalidLocation)
	}

	if s3fetch.IsS3URI(loc) {
		bucket, ns, err := s3fetch.ParseS3URI(loc)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
		cfg.Backend = BackendS3
		cfg.Container = bucket
		if ns = strings.Trim(ns, "/"); ns != "" {
			cfg.Namespace = ns
		}
		return cfg, nil
	}

	clean := filepath.ToSlash(filepath.Clean(loc))
	parts := strings.Split(clean, "/")
	split := -1
	for i, p := range parts {
		if ext := strings.ToLower(path.Ext(p)); ext == containerExt || ext == badgerExt {
			split = i
			break
		}
	}
	if split < 0 {
		for i, p := range parts {
			if p != "." && p != ".." && path.Ext(p) != "" {
				split = i
				break
			}
		}
	}
	if split < 0 {
		cfg.Container = filepath.FromSlash(clean)
		return cfg, nil
	}

	container := strings.Join(parts[:split+1], "/")
	if container == "" {
		container = "/"
	}
	cfg.Container = filepath.FromSlash(container)
	if strings.EqualFold(path.Ext(parts[split]), badgerExt) {
		cfg.Backend = BackendBadger
	}
	if ns := strings.Join(parts[split+1:], "/"); ns != "" {
		cfg.Namespace = ns
	}
	return cfg, nil
}

// String renders the config back into location form.
func (c Config) String() string {
	if c.Backend == BackendS3 {
		return "s3://" + c.Container + "/" + c.Namespace
	}
	if c.InMemory {
		return ":memory:/" + c.Namespace
	}
	return filepath.ToSlash(c.Container) + "/" + c.Namespace
}
