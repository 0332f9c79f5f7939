package memory

import (
	"context"
	"sync"
	"time"

	"github.com/altapix/image-vault/pkg/imagevault"
)

// Store is an in-memory implementation of the imagevault.ObjectStore
// interface.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// New creates a new in-memory object store.
func New() *Store {
	return &Store{buckets: make(map[string]map[string][]byte)}
}

var _ imagevault.ObjectStore = (*Store)(nil)

func (s *Store) Persist(ctx context.Context, bucket, key string, data []byte) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[bucket]
	if !exists {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), data...)
	return time.Now().UTC(), nil
}

func (s *Store) Fetch(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.buckets[bucket][key]
	if !exists {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.buckets[bucket][key]
	return exists, nil
}

// Delete removes an object. Missing keys are not errors.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets[bucket], key)
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, bucket string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.buckets[bucket], key)
	}
	return nil
}
