package storage

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/amnesia/internal/errs"
)

// ErrKeyNotFound reports a missing key. It matches errs.ErrNotFound.
var ErrKeyNotFound = fmt.Errorf("key %w", errs.ErrNotFound)

// Error wraps a backend failure with the operation and key involved.
// It matches errs.ErrStorage under errors.Is.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the backend error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports true for errs.ErrStorage.
func (e *Error) Is(target error) bool { return target == errs.ErrStorage }

// Store is the byte-level backend under Artifacts. Implementations are safe
// for concurrent use and never retain caller slices.
type Store interface {
	// Get returns a copy of the value, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Put replaces the value under key.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns the keys under prefix in ascending order.
	List(prefix string) ([]string, error)

	Stats() (StoreStats, error)

	// Close releases the backend. The store is unusable afterwards.
	Close() error
}

// StoreStats summarises a store's contents.
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Sum of value sizes
}

// MemoryStore keeps artifacts in a map. Used for tests and for runs that do
// not need to survive the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(prefix string) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys, nil
}

// Stats counts keys and value bytes.
func (m *MemoryStore) Stats() (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := StoreStats{Keys: len(m.data)}
	for _, v := range m.data {
		st.Bytes += len(v)
	}
	return st, nil
}

func (m *MemoryStore) Close() error { return nil }
