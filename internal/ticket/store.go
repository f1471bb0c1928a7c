package ticket

import (
	"context"
	"sync"
)

// Store is the supervisor's view of the external task store. Update carries
// the read-modify-write guarantee from the concurrency model: mutations to
// one task's record never interleave.
type Store interface {
	// Get returns a copy of the record for taskID, or NotFound.
	Get(ctx context.Context, taskID string) (*Record, error)

	// Save creates or replaces a record.
	Save(ctx context.Context, record *Record) error

	// Update applies fn to the current record under the task's lock and
	// persists the result. If fn returns an error the record is left
	// unmodified. Returns the updated record.
	Update(ctx context.Context, taskID string, fn func(*Record) error) (*Record, error)

	// FindBySession returns the open record bound to a session, or NotFound.
	FindBySession(ctx context.Context, sessionName string) (*Record, error)

	// Close releases store resources.
	Close() error
}

// taskLocks serializes updates per task id. Shared by store implementations.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires (creating if needed) the mutex for taskID and returns it
// locked. The caller must Unlock it.
func (t *taskLocks) lock(taskID string) *sync.Mutex {
	t.mu.Lock()
	l, ok := t.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[taskID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l
}
