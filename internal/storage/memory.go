package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	items  map[string][]*ItemRecord // run_id -> items
	nextID int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		runs:  make(map[string]*Run),
		items: make(map[string][]*ItemRecord),
	}, nil
}

// CreateRun creates a new run
func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = generateID()
	}
	if _, exists := s.runs[run.ID]; exists {
		return ErrRunExists
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = timeNow()
	}

	runCopy := *run
	s.runs[run.ID] = &runCopy
	s.items[run.ID] = []*ItemRecord{}

	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, ErrRunNotFound
	}

	runCopy := *run
	return &runCopy, nil
}

// ListRuns lists runs, newest first
func (s *MemoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		runCopy := *run
		runs = append(runs, &runCopy)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	start, end := page(len(runs), limit, offset)
	return runs[start:end], nil
}

// UpdateRun replaces a stored run
func (s *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists {
		return ErrRunNotFound
	}

	runCopy := *run
	s.runs[run.ID] = &runCopy
	return nil
}

// DeleteRun deletes a run and its items
func (s *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[id]; !exists {
		return ErrRunNotFound
	}

	delete(s.runs, id)
	delete(s.items, id)
	return nil
}

// RecordItem appends a finished item to its run
func (s *MemoryStore) RecordItem(ctx context.Context, item *ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[item.RunID]; !exists {
		return ErrRunNotFound
	}

	s.nextID++
	item.ID = s.nextID
	if item.FinishedAt.IsZero() {
		item.FinishedAt = timeNow()
	}

	itemCopy := *item
	s.items[item.RunID] = append(s.items[item.RunID], &itemCopy)
	return nil
}

// ListItems lists the items of a run in recording order
func (s *MemoryStore) ListItems(ctx context.Context, runID string, limit, offset int) ([]*ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, exists := s.items[runID]
	if !exists {
		return nil, ErrRunNotFound
	}

	start, end := page(len(items), limit, offset)
	result := make([]*ItemRecord, 0, end-start)
	for _, item := range items[start:end] {
		itemCopy := *item
		result = append(result, &itemCopy)
	}
	return result, nil
}

// Close closes the store (no-op for memory store)
func (s *MemoryStore) Close() error {
	return nil
}
