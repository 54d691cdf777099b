package loevent

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// badgerBackend keeps every store of a process in one BadgerDB, separated
// by key prefix. The database is opened on first use.
type badgerBackend struct {
	path  string
	ulids *ulidSource

	mu     sync.Mutex
	db     *badger.DB
	closed bool
}

func newBadgerBackend(path string) *badgerBackend {
	return &badgerBackend{
		path:  path,
		ulids: newULIDSource(),
	}
}

func (b *badgerBackend) Name() string {
	return BackendBadger
}

func (b *badgerBackend) Open(_ context.Context, name string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	if b.db == nil {
		opts := badger.DefaultOptions(b.path)
		opts.Logger = nil // Disable BadgerDB's default logging

		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", b.path, err)
		}
		b.db = db
	}

	return &badgerStore{db: b.db, ulids: b.ulids, name: name}, nil
}

func (b *badgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.closed = true

	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

type badgerStore struct {
	db    *badger.DB
	ulids *ulidSource
	name  string
}

func (s *badgerStore) Add(_ context.Context, value []byte) error {
	key := encodeQueueKey(s.name, s.ulids.Now())
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return fmt.Errorf("failed to write record to %s: %w", s.name, err)
		}
		return nil
	})
}

func (s *badgerStore) Pop(_ context.Context) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)

	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := encodeQueuePrefix(s.name)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		item := it.Item()
		key := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to delete record from %s: %w", s.name, err)
		}
		value, found = v, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return value, found, nil
}

func (s *badgerStore) Count(_ context.Context) (int, error) {
	var count int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := encodeQueuePrefix(s.name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

func (s *badgerStore) Scan(ctx context.Context, fn func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := encodeQueuePrefix(s.name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				return fn(val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKVKey(s.name, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

func (s *badgerStore) Put(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKVKey(s.name, key), value)
	})
}
