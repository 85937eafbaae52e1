package storage

import (
	"errors"
	"sync"
)

// ErrKeyNotFound is returned when a document id doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store holds the current source of every live document of one shard, keyed
// by document id.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get returns ErrKeyNotFound if the id doesn't exist
	Get(id string) ([]byte, error)

	// Put overwrites any existing source for the id
	Put(id string, source []byte) error

	// Delete is a no-op for a missing id
	Delete(id string) error

	// List returns all ids, order not guaranteed
	List() []string

	Stats() StoreStats

	// Close releases underlying resources. The store is unusable afterwards.
	Close() error
}

// HistoryStore is a Store that also keeps a shard's sequenced operations and
// bookkeeping, so a reopened shard continues the same history.
type HistoryStore interface {
	Store

	// LoadHistory returns nil meta when nothing has been saved
	LoadHistory() (meta []byte, ops map[int64][]byte, err error)
	SaveMeta(meta []byte) error
	PutOp(seqNo int64, op, meta []byte) error
	DropOps(below int64, meta []byte) error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the stored source
func (m *MemoryStore) Get(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[id]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) Put(id string, source []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append([]byte(nil), source...)
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	return ids
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, value := range m.data {
		total += len(value)
	}
	return StoreStats{Keys: len(m.data), Bytes: total}
}

func (m *MemoryStore) Close() error { return nil }
