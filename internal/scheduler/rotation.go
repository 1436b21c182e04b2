package scheduler

import (
	"sync"

	"github.com/google/uuid"
)

// rotation keeps the round-robin offsets that make queue filling fair across
// users sharing a service, and across tasks within a user. Offsets survive
// between cycles so no user or task is pinned to the head of the order.
type rotation struct {
	mu          sync.Mutex
	userOffsets map[uuid.UUID]int // keyed by service id
	taskOffsets map[uuid.UUID]int // keyed by user id
}

func newRotation() *rotation {
	return &rotation{
		userOffsets: make(map[uuid.UUID]int),
		taskOffsets: make(map[uuid.UUID]int),
	}
}

// nextUserOffset returns the starting index for this service's user rotation
// and advances it for the next cycle.
func (r *rotation) nextUserOffset(serviceID uuid.UUID, n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := r.userOffsets[serviceID] % n
	r.userOffsets[serviceID] = offset + 1
	return offset
}

// nextTaskOffset returns the starting index for this user's task rotation and
// advances it.
func (r *rotation) nextTaskOffset(userID uuid.UUID, n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	offset := r.taskOffsets[userID] % n
	r.taskOffsets[userID] = offset + 1
	return offset
}
