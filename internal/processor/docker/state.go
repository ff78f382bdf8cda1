package docker

import (
	"sync"
)

// stateRepo tracks the containers of steps in flight, keyed by job id.
type stateRepo struct {
	mu         sync.RWMutex
	containers map[string]string
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		containers: make(map[string]string),
	}
}

// commit records the container running jobID's current step.
func (r *stateRepo) commit(jobID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[jobID] = containerID
}

// release forgets jobID. Returns the container if one was recorded.
func (r *stateRepo) release(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.containers[jobID]
	if exists {
		delete(r.containers, jobID)
	}
	return id, exists
}

// get returns the container running jobID's current step.
func (r *stateRepo) get(jobID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.containers[jobID]
	return id, exists
}

// list returns a snapshot of every tracked container.
func (r *stateRepo) list() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.containers))
	for jobID, id := range r.containers {
		result[jobID] = id
	}
	return result
}
