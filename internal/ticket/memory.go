package ticket

import (
	"context"
	"sync"

	apperrors "github.com/continuity/continuity/internal/common/errors"
)

// MemoryStore is an in-memory Store, used in tests and single-run setups
// where continuation state does not need to survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	locks   *taskLocks
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		locks:   newTaskLocks(),
	}
}

// Get returns a copy of the record for taskID.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	return record.Clone(), nil
}

// Save creates or replaces a record.
func (s *MemoryStore) Save(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.TaskID] = record.Clone()
	return nil
}

// Update applies fn under the task's lock and persists the result.
func (s *MemoryStore) Update(ctx context.Context, taskID string, fn func(*Record) error) (*Record, error) {
	l := s.locks.lock(taskID)
	defer l.Unlock()

	s.mu.RLock()
	current, ok := s.records[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.records[taskID] = updated
	s.mu.Unlock()
	return updated.Clone(), nil
}

// FindBySession returns the open record bound to sessionName.
func (s *MemoryStore) FindBySession(ctx context.Context, sessionName string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if record.SessionName == sessionName && record.Open() {
			return record.Clone(), nil
		}
	}
	return nil, apperrors.NotFound("task for session", sessionName)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
