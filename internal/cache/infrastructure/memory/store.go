package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"evcc-ingest/internal/cache"
)

type entry struct {
	value    string
	hasValue bool
	meta     cache.Meta
	hasMeta  bool
}

// Store is an in-memory namespace for development and tests. Its contents are
// lost on restart.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]entry)}
}

// NewNamespaces mounts two independent in-memory namespaces.
func NewNamespaces() cache.Namespaces {
	return cache.Namespaces{Cache: NewStore(), Write: NewStore()}
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || !e.hasValue {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value under key, keeping existing meta.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_ = ctx
	if key == "" {
		return cache.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.data[key]
	e.value = value
	e.hasValue = true
	s.data[key] = e
	return nil
}

// GetMeta returns the meta stored under key.
func (s *Store) GetMeta(ctx context.Context, key string) (cache.Meta, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || !e.hasMeta {
		return cache.Meta{}, false, nil
	}
	return e.meta, true, nil
}

// SetMeta stores meta under key, keeping the existing value.
func (s *Store) SetMeta(ctx context.Context, key string, meta cache.Meta) error {
	_ = ctx
	if key == "" {
		return cache.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.data[key]
	e.meta = meta
	e.hasMeta = true
	s.data[key] = e
	return nil
}

// Delete removes value and meta for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports the number of keys held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
