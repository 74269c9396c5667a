package withdrawal

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory HistoryLog for tests and single-process usage.
type MemoryStore struct {
	mu      sync.Mutex
	max     int
	records []Record // newest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{max: MaxHistoryEntries}
}

func (s *MemoryStore) Append(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = prepend(s.records, r, s.max)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return replace(s.records, r)
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
	return nil
}
