package chunkserver

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sheerbytes/chunkget/internal/fixture"
	"github.com/sheerbytes/chunkget/pkg/hash"
)

// Store holds metadata and data chunks by hash. Get methods return nil
// without error for a chunk the store does not hold.
type Store interface {
	fixture.Sink
	GetMeta(h hash.Hash) ([]byte, error)
	GetData(h hash.Hash) ([]byte, error)
	Close() error
}

// MemoryStore keeps chunks in maps.
type MemoryStore struct {
	mu   sync.RWMutex
	meta map[hash.Hash][]byte
	data map[hash.Hash][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meta: make(map[hash.Hash][]byte),
		data: make(map[hash.Hash][]byte),
	}
}

func (s *MemoryStore) PutMeta(h hash.Hash, b []byte) error {
	if b == nil {
		b = []byte{}
	}
	s.mu.Lock()
	s.meta[h] = bytes.Clone(b)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PutData(h hash.Hash, b []byte) error {
	if b == nil {
		b = []byte{}
	}
	s.mu.Lock()
	s.data[h] = bytes.Clone(b)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetMeta(h hash.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[h], nil
}

func (s *MemoryStore) GetData(h hash.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[h], nil
}

// Len returns the number of metadata and data chunks held.
func (s *MemoryStore) Len() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.meta), len(s.data)
}

func (s *MemoryStore) Close() error { return nil }

var (
	metaPrefix = []byte("m/")
	dataPrefix = []byte("d/")
)

// BadgerStore persists chunks in a badger database. Keys are a one-letter
// kind prefix followed by the raw hash.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store in dir. An empty dir keeps the
// database in memory.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func key(prefix []byte, h hash.Hash) []byte {
	k := make([]byte, 0, len(prefix)+hash.Size)
	k = append(k, prefix...)
	return append(k, h[:]...)
}

func (s *BadgerStore) put(prefix []byte, h hash.Hash, b []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefix, h), b)
	})
}

func (s *BadgerStore) get(prefix []byte, h hash.Hash) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefix, h))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", h.Short(), err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func (s *BadgerStore) PutMeta(h hash.Hash, b []byte) error { return s.put(metaPrefix, h, b) }
func (s *BadgerStore) PutData(h hash.Hash, b []byte) error { return s.put(dataPrefix, h, b) }

func (s *BadgerStore) GetMeta(h hash.Hash) ([]byte, error) { return s.get(metaPrefix, h) }
func (s *BadgerStore) GetData(h hash.Hash) ([]byte, error) { return s.get(dataPrefix, h) }

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
