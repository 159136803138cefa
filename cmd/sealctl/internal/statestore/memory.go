package statestore

import (
	"sync"
)

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]byte)}
}

func memKey(cluster, name string) string {
	return cluster + "/" + name
}

func (s *MemStore) Create(cluster, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(cluster, name)
	if _, ok := s.entries[k]; ok {
		return ErrExists
	}
	s.entries[k] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Put(cluster, name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[memKey(cluster, name)] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Get(cluster, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[memKey(cluster, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Exists(cluster, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[memKey(cluster, name)]
	return ok, nil
}
