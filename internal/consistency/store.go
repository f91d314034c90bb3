// Package consistency: store.go
//
// Store is the key-value layer beneath the consistency Cache. It maps an
// original sensitive value to the pseudonym assigned to it.
//
// Three implementations are provided:
//   - memoryStore: in-memory only, the default for a single run.
//   - boltStore:   embedded key-value store (bbolt); mappings survive restarts
//     so related corpora redacted in separate runs stay consistent.
//   - hotStore:    bounded in-memory set in front of another store.
package consistency

import (
	"fmt"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"

	"med-deid/internal/logger"
)

// Store is the raw→pseudonym storage interface.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns the pseudonym stored for original, if present.
	Get(original string) (pseudonym string, ok bool)

	// Set stores original → pseudonym, replacing any existing entry.
	// The Cache guarantees it never calls Set for a key that is already present.
	Set(original, pseudonym string)

	// Delete removes original. Deleting a missing key is a no-op.
	Delete(original string)

	// Range calls fn for every entry in key order until fn returns false.
	Range(fn func(original, pseudonym string) bool) error

	// Close releases any resources held by the store (e.g. file handles).
	Close() error
}

// --- memoryStore ---------------------------------------------------------

// memoryStore is a thread-safe in-memory Store.
type memoryStore struct {
	mu    sync.RWMutex
	store map[string]string
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{store: make(map[string]string)}
}

func (s *memoryStore) Get(original string) (string, bool) {
	s.mu.RLock()
	v, ok := s.store[original]
	s.mu.RUnlock()
	return v, ok
}

func (s *memoryStore) Set(original, pseudonym string) {
	s.mu.Lock()
	s.store[original] = pseudonym
	s.mu.Unlock()
}

func (s *memoryStore) Delete(original string) {
	s.mu.Lock()
	delete(s.store, original)
	s.mu.Unlock()
}

func (s *memoryStore) Range(fn func(original, pseudonym string) bool) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.store))
	for k := range s.store {
		keys = append(keys, k)
	}
	snapshot := make(map[string]string, len(s.store))
	for k, v := range s.store {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, snapshot[k]) {
			break
		}
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }

// --- boltStore -----------------------------------------------------------

const boltBucket = "pseudonyms"

// boltStore is a Store backed by an embedded bbolt database.
// The database file is created at the given path if it does not exist.
type boltStore struct {
	db  *bolt.DB
	log *logger.Logger
}

// OpenBoltStore opens (or creates) the bbolt database at path and ensures
// the bucket exists.
func OpenBoltStore(path string, log *logger.Logger) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}

	log.Infof("store_open", "persistent pseudonym store opened at %s", path)
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Get(original string) (string, bool) {
	var pseudonym string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(original)); v != nil {
			pseudonym = string(v)
		}
		return nil
	})
	if err != nil {
		s.log.Errorf("store_get", "bbolt Get error: %v", err)
		return "", false
	}
	return pseudonym, pseudonym != ""
}

func (s *boltStore) Set(original, pseudonym string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", boltBucket)
		}
		return b.Put([]byte(original), []byte(pseudonym))
	}); err != nil {
		s.log.Errorf("store_set", "bbolt Set error: %v", err)
	}
}

func (s *boltStore) Delete(original string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(original))
	}); err != nil {
		s.log.Errorf("store_delete", "bbolt Delete error: %v", err)
	}
}

func (s *boltStore) Range(fn func(original, pseudonym string) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(string(k), string(v)) {
				return nil
			}
		}
		return nil
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
