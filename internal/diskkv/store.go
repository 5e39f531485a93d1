// Package diskkv is a thin badger wrapper used as an optional on-disk
// overflow for in-memory caches that would otherwise lose their
// contents on restart. It is namespace-prefixed so a single badger
// instance can back more than one logical cache.
package diskkv

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type Store struct {
	db *badger.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil // disable badger's own logging, host logs at the call site

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	fullKey := namespace + key
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fullKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("key not found: %s", key)
	}

	return value, err
}

// Set stores value under namespace+key with no expiry.
func (s *Store) Set(namespace, key string, value []byte) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fullKey), value)
	})
}

// SetWithTTL stores value under namespace+key with badger's native
// per-key expiry. This is the disk-overflow counterpart to the
// in-memory TTL cache: it does not reset on read (badger has no
// refresh-on-read primitive), so the in-memory layer remains the
// source of truth for freshness and this layer is only consulted on a
// cold start or an in-memory miss.
func (s *Store) SetWithTTL(namespace, key string, value []byte, ttl time.Duration) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(fullKey), value).WithTTL(ttl))
	})
}

func (s *Store) Delete(namespace, key string) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fullKey))
	})
}

