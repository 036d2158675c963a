package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for tests and single-node development runs.
// The zero value is ready to use.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]TaskDefinition
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]TaskDefinition)}
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, id string) (*TaskDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := def
	return &cp, nil
}

// List implements [Store.List]. Results are sorted by ID for determinism.
func (s *MemStore) List(ctx context.Context) ([]TaskDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]TaskDefinition, 0, len(s.tasks))
	for _, def := range s.tasks {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Upsert implements [Store.Upsert].
func (s *MemStore) Upsert(ctx context.Context, def *TaskDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks == nil {
		s.tasks = make(map[string]TaskDefinition)
	}

	now := time.Now().UTC()
	if existing, ok := s.tasks[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.tasks[def.ID] = *def
	return nil
}

// Delete implements [Store.Delete].
func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}
