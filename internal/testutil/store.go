package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FilterFunc is a generic filter function type
type FilterFunc[T any] func(ctx context.Context, item T) bool

// SortFunc is a generic sort function type
type SortFunc[T any] func(i, j T) bool

// CloneFunc copies an item so callers cannot mutate stored state in place,
// matching how a real repository returns fresh rows.
type CloneFunc[T any] func(T) T

// InMemoryStore implements a generic in-memory store
type InMemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	clone CloneFunc[T]
}

// NewInMemoryStore creates a new InMemoryStore
func NewInMemoryStore[T any](clone CloneFunc[T]) *InMemoryStore[T] {
	if clone == nil {
		clone = func(item T) T { return item }
	}
	return &InMemoryStore[T]{
		items: make(map[string]T),
		clone: clone,
	}
}

// Create adds a new item to the store
func (s *InMemoryStore[T]) Create(ctx context.Context, id string, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; exists {
		return fmt.Errorf("item already exists")
	}

	s.items[id] = s.clone(item)
	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.items, id)
	})
	return nil
}

// Get retrieves an item by ID
func (s *InMemoryStore[T]) Get(ctx context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if item, exists := s.items[id]; exists {
		return s.clone(item), nil
	}

	var zero T
	return zero, fmt.Errorf("item not found")
}

// List retrieves items matching the filter, in sorted order
func (s *InMemoryStore[T]) List(ctx context.Context, filterFn FilterFunc[T], sortFn SortFunc[T]) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []T
	for _, item := range s.items {
		if filterFn == nil || filterFn(ctx, item) {
			result = append(result, s.clone(item))
		}
	}

	if sortFn != nil {
		sort.Slice(result, func(i, j int) bool {
			return sortFn(result[i], result[j])
		})
	}
	return result, nil
}

// Update updates an existing item
func (s *InMemoryStore[T]) Update(ctx context.Context, id string, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.items[id]
	if !exists {
		return fmt.Errorf("item not found")
	}

	s.items[id] = s.clone(item)
	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[id] = prev
	})
	return nil
}

// Delete removes an item from the store
func (s *InMemoryStore[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.items[id]
	if !exists {
		return fmt.Errorf("item not found")
	}

	delete(s.items, id)
	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[id] = prev
	})
	return nil
}

// Clear removes all items
func (s *InMemoryStore[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T)
}
