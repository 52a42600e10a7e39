package cachestore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// badgerContainer keeps every namespace in one badger database. Keys are
// "n\x00<ns>" for namespace markers and "e\x00<ns>\x00<name>" for entries.
type badgerContainer struct {
	db *badger.DB
}

func openBadgerContainer(path string, inMemory bool) (*badgerContainer, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache container %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger container: %w", err)
	}
	return &badgerContainer{db: db}, nil
}

func nsKey(ns string) []byte { return []byte("n\x00" + ns) }

func entryPrefix(ns string) []byte { return []byte("e\x00" + ns + "\x00") }

func badgerEntryKey(ns, name string) []byte {
	return append(entryPrefix(ns), name...)
}

func (c *badgerContainer) EnsureNamespace(ctx context.Context, ns string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(nsKey(ns))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(nsKey(ns), nil)
	})
}

func (c *badgerContainer) Get(ctx context.Context, ns, name string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerEntryKey(ns, name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", ns, name, ErrNotFound)
	}
	return data, err
}

func (c *badgerContainer) Put(ctx context.Context, ns, name string, data []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerEntryKey(ns, name), data)
	})
}

func (c *badgerContainer) List(ctx context.Context, ns string) ([]string, error) {
	prefix := entryPrefix(ns)
	var names []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return names, err
}

func (c *badgerContainer) Close() error {
	return c.db.Close()
}
