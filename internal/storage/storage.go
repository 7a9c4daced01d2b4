// Package storage provides the object storage collaborator the attachment
// pipeline persists validated documents into.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("object not found")

// Metadata is attached to stored objects; the pipeline embeds the content
// checksum here so integrity can be verified out of band.
type Metadata map[string]string

// ObjectStore is the persistence capability. Put must be idempotent for a
// given key; re-storing the same content under the same key is a no-op at
// the caller's discretion via Exists.
type ObjectStore interface {
	// Put writes the object with server-side encryption and returns its
	// storage location.
	Put(ctx context.Context, key string, data []byte, contentType string, meta Metadata) (string, error)

	// Exists reports whether the key is already stored.
	Exists(ctx context.Context, key string) (bool, error)

	// Location returns the storage location the key resolves to, whether
	// or not the object exists yet. Deterministic: Put for the same key
	// returns the same value.
	Location(key string) string
}

// MemoryStore is an in-process ObjectStore used by tests and local
// development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]Metadata
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		meta:    make(map[string]Metadata),
	}
}

// Put stores a copy of data under key.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string, meta Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	s.meta[key] = meta

	return s.Location(key), nil
}

// Location returns the memory:// location for key.
func (s *MemoryStore) Location(key string) string {
	return "memory://" + key
}

// Exists reports whether key is stored.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Get returns a stored object; used by tests.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, s.meta[key], nil
}

// Len returns the number of stored objects; used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
