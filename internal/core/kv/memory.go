package kv

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dcrodman/tbs/internal/core/doc"
)

// MemoryStore keeps everything in process memory. Entries never expire; it is
// intended for local play and tests.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, 0)}
}

func memoryKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) (doc.Value, error) {
	v, ok := s.cache.Get(memoryKey(namespace, key))
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(v), nil
}

func (s *MemoryStore) Put(_ context.Context, namespace, key string, value doc.Value, mode PutMode) error {
	normalized, err := doc.Normalize(value)
	if err != nil {
		return err
	}
	k := memoryKey(namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case Add:
		if err := s.cache.Add(k, normalized, gocache.NoExpiration); err != nil {
			return ErrExists
		}
	case Replace:
		if err := s.cache.Replace(k, normalized, gocache.NoExpiration); err != nil {
			return ErrNotFound
		}
	case Append:
		existing, present := s.cache.Get(k)
		l, err := appendValue(existing, present, normalized)
		if err != nil {
			return err
		}
		s.cache.Set(k, l, gocache.NoExpiration)
	default:
		s.cache.Set(k, normalized, gocache.NoExpiration)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	s.cache.Delete(memoryKey(namespace, key))
	return nil
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
