package ledger

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu      sync.Mutex
	order   []string
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) AddPending(_ context.Context, e Entry) (Entry, error) {
	e.Status = StatusPending
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[e.ID]; ok {
		if !sameEntry(existing, e) {
			return Entry{}, fmt.Errorf("%w: entry %s", ErrConflict, e.ID)
		}
		return existing, nil
	}
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	return e, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	e.Status = StatusCompleted
	s.entries[id] = e
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.entries[s.order[i]])
	}
	return out, nil
}
