package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
)

// Store persists the waiting list. Lower priority values pop first, then
// older submissions.
type Store interface {
	Push(ctx context.Context, id string, priority int, submitted time.Time) error
	Pop(ctx context.Context) (domain.QueueEntry, bool, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	List(ctx context.Context) ([]string, error)
}

type entry struct {
	id        string
	priority  int
	submitted time.Time
}

func (e entry) less(o entry) bool {
	if e.priority != o.priority {
		return e.priority < o.priority
	}
	return e.submitted.Before(o.submitted)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries []entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Push adds id. Re-pushing keeps the earlier position.
func (s *MemoryStore) Push(ctx context.Context, id string, priority int, submitted time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{id: id, priority: priority, submitted: submitted}
	for i, existing := range s.entries {
		if existing.id != id {
			continue
		}
		if !e.less(existing) {
			return nil
		}
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		break
	}
	i := sort.Search(len(s.entries), func(i int) bool { return e.less(s.entries[i]) })
	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	return nil
}

func (s *MemoryStore) Pop(ctx context.Context) (domain.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return domain.QueueEntry{}, false, nil
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return domain.QueueEntry{ProcessID: e.id, Priority: e.priority, Submitted: e.submitted}, true, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.id
	}
	return out, nil
}
