package scoped

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. Records are held by
// reference, so T should be a pointer type owned by the store after Insert.
type MemoryStore[T Model] struct {
	mu     sync.RWMutex
	items  map[int64]T
	nextID int64
}

// NewMemoryStore returns an empty store
func NewMemoryStore[T Model]() *MemoryStore[T] {
	return &MemoryStore[T]{items: make(map[int64]T)}
}

// List returns matching records ordered by id
func (s *MemoryStore[T]) List(_ context.Context, filter Filter) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.items))
	for _, v := range s.items {
		if filter.TenantID != 0 && v.GetTenantID() != filter.TenantID {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetID() < out[j].GetID() })

	if filter.Offset > 0 {
		if filter.Offset >= uint64(len(out)) {
			return []T{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < uint64(len(out)) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Get returns the record with id
func (s *MemoryStore[T]) Get(_ context.Context, id int64) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return v, nil
}

// Insert stores v under a new id
func (s *MemoryStore[T]) Insert(_ context.Context, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	v.SetID(s.nextID)
	s.items[s.nextID] = v
	return nil
}

// Update replaces the stored record with v
func (s *MemoryStore[T]) Update(_ context.Context, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[v.GetID()]; !ok {
		return ErrNotFound
	}
	s.items[v.GetID()] = v
	return nil
}

// Delete removes the record with id
func (s *MemoryStore[T]) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}
