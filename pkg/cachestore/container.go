package cachestore

import (
	"context"
	"net/url"
	"strings"
)

// Container is durable keyed storage partitioned into namespaces.
// Implementations must make Put all-or-nothing per name.
type Container interface {
	EnsureNamespace(ctx context.Context, ns string) error
	// Get returns ErrNotFound for a missing name.
	Get(ctx context.Context, ns, name string) ([]byte, error)
	Put(ctx context.Context, ns, name string, data []byte) error
	// List returns the names stored in ns.
	List(ctx context.Context, ns string) ([]string, error)
	Close() error
}

// entryExt is the suffix of encoded accumulator objects.
const entryExt = ".hca"

// entryKey maps an accumulator name to a safe file or object name.
func entryKey(name string) string {
	return url.PathEscape(name) + entryExt
}

// nameFromKey reverses entryKey. ok is false for foreign objects.
func nameFromKey(key string) (string, bool) {
	base, found := strings.CutSuffix(key, entryExt)
	if !found {
		return "", false
	}
	name, err := url.PathUnescape(base)
	if err != nil {
		return "", false
	}
	return name, true
}
