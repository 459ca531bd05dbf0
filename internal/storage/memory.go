package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/stacklok/chanstate/internal/repository"
)

// MemoryStore keeps records in process memory. It is used for tests and for the
// "memory" storage type.
type MemoryStore struct {
	collection string

	mu      sync.Mutex
	nextID  int64
	records []repository.Record
}

var _ repository.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory collection.
func NewMemoryStore(collection string) *MemoryStore {
	return &MemoryStore{collection: collection}
}

// Collection returns the collection name.
func (s *MemoryStore) Collection() string {
	return s.collection
}

// LoadAll returns copies of all records in creation order.
func (s *MemoryStore) LoadAll(_ context.Context) ([]repository.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]repository.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

// Create appends a record.
func (s *MemoryStore) Create(_ context.Context, key string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(key) >= 0 {
		return 0, fmt.Errorf("%s %q: %w", s.collection, key, repository.ErrConflict)
	}
	s.nextID++
	s.records = append(s.records, repository.Record{
		ID:      s.nextID,
		Key:     key,
		Payload: slices.Clone(payload),
	})
	return s.nextID, nil
}

// Update replaces payloads of existing keys.
func (s *MemoryStore) Update(_ context.Context, records []repository.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range records {
		idx := s.indexOf(r.Key)
		if idx < 0 {
			continue
		}
		s.records[idx].Payload = slices.Clone(r.Payload)
		n++
	}
	return n, nil
}

// Delete removes keys.
func (s *MemoryStore) Delete(_ context.Context, keys []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remove := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		remove[k] = struct{}{}
	}

	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(r repository.Record) bool {
		_, ok := remove[r.Key]
		return ok
	})
	return before - len(s.records), nil
}

// DeleteAll removes every record.
func (s *MemoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	return nil
}

// Keys returns the stored keys in creation order.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.records))
	for _, r := range s.records {
		keys = append(keys, r.Key)
	}
	return keys
}

func (s *MemoryStore) indexOf(key string) int {
	return slices.IndexFunc(s.records, func(r repository.Record) bool { return r.Key == key })
}

func cloneRecord(r repository.Record) repository.Record {
	r.Payload = slices.Clone(r.Payload)
	return r
}
