// Package queue provides the bounded, in-memory per-service FIFO of job
// references. Entries are deliberately lightweight so memory stays bounded
// regardless of backlog size; the pending job rows in the database remain the
// source of truth and every queue can be rebuilt from them.
package queue

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mailroom/dispatcher/internal/domain"
)

// DefaultMaxSize is the per-service queue bound when none is configured.
const DefaultMaxSize = 10

// Store owns one bounded FIFO per sending service. A membership index
// prevents the same job from being queued twice across services.
type Store struct {
	mu      sync.Mutex
	maxSize int
	queues  map[uuid.UUID][]domain.QueueEntry
	members map[uuid.UUID]struct{}
}

// NewStore creates a store with the given per-service bound.
func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Store{
		maxSize: maxSize,
		queues:  make(map[uuid.UUID][]domain.QueueEntry),
		members: make(map[uuid.UUID]struct{}),
	}
}

// MaxSize returns the per-service bound.
func (s *Store) MaxSize() int {
	return s.maxSize
}

// Push appends an entry to the service's queue. Returns false when the queue
// is full or the job is already queued somewhere.
func (s *Store) Push(serviceID uuid.UUID, entry domain.QueueEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queues[serviceID]) >= s.maxSize {
		return false
	}
	if _, queued := s.members[entry.JobID]; queued {
		return false
	}

	s.queues[serviceID] = append(s.queues[serviceID], entry)
	s.members[entry.JobID] = struct{}{}
	return true
}

// Pop removes and returns the head of the service's queue.
func (s *Store) Pop(serviceID uuid.UUID) (domain.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[serviceID]
	if len(q) == 0 {
		return domain.QueueEntry{}, false
	}

	entry := q[0]
	s.queues[serviceID] = q[1:]
	delete(s.members, entry.JobID)
	return entry, true
}

// Len returns the current depth of one service's queue.
func (s *Store) Len(serviceID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[serviceID])
}

// Need returns how many entries the service's queue can still take.
func (s *Store) Need(serviceID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize - len(s.queues[serviceID])
}

// Contains reports whether the job is queued on any service.
func (s *Store) Contains(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[jobID]
	return ok
}

// Lengths returns a snapshot of every queue's depth keyed by service id.
func (s *Store) Lengths() map[uuid.UUID]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	lengths := make(map[uuid.UUID]int, len(s.queues))
	for id, q := range s.queues {
		lengths[id] = len(q)
	}
	return lengths
}

// TotalQueued returns the number of entries across all queues.
func (s *Store) TotalQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}

// Drop discards one service's queue and returns how many entries it held.
// The jobs themselves stay pending in the database and get re-routed on the
// next supplement pass.
func (s *Store) Drop(serviceID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[serviceID]
	for _, entry := range q {
		delete(s.members, entry.JobID)
	}
	delete(s.queues, serviceID)
	return len(q)
}

// Reset drops every queue. Called when the scheduler stops; pending jobs are
// simply re-queued from the database on the next start.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = make(map[uuid.UUID][]domain.QueueEntry)
	s.members = make(map[uuid.UUID]struct{})
}
