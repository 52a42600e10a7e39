package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/eunmann/histcache/pkg/fileutil"
)

const lockFile = ".lock"

// dirContainer stores one file per accumulator under <root>/<namespace>/.
// Writers serialize on an advisory lock at <root>/.lock.
type dirContainer struct {
	root string
}

func openDirContainer(root string) (*dirContainer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache container %s: %w", root, err)
	}
	return &dirContainer{root: root}, nil
}

func (c *dirContainer) nsDir(ns string) string {
	return filepath.Join(c.root, filepath.FromSlash(ns))
}

func (c *dirContainer) lock() (*fileutil.FileLock, error) {
	return fileutil.Lock(filepath.Join(c.root, lockFile))
}

// EnsureNamespace creates the namespace directory and clears tmp files left
// by interrupted writers. Cleanup runs under the lock so no live write is
// disturbed.
func (c *dirContainer) EnsureNamespace(ctx context.Context, ns string) error {
	dir := c.nsDir(ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	l, err := c.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	return fileutil.CleanupTmpFiles(dir)
}

func (c *dirContainer) Get(ctx context.Context, ns, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.nsDir(ns), entryKey(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", ns, name, ErrNotFound)
	}
	return data, err
}

func (c *dirContainer) Put(ctx context.Context, ns, name string, data []byte) error {
	l, err := c.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()
	return fileutil.WriteFileAtomic(filepath.Join(c.nsDir(ns), entryKey(name)), data)
}

func (c *dirContainer) List(ctx context.Context, ns string) ([]string, error) {
	entries, err := os.ReadDir(c.nsDir(ns))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := nameFromKey(e.Name()); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *dirContainer) Close() error { return nil }
