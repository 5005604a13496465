package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// runRegistry tracks cancel functions for in-flight enrichment runs so that
// an abort request can stop the goroutine driving a job.
type runRegistry struct {
	mu   sync.Mutex
	runs map[uuid.UUID]context.CancelFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[uuid.UUID]context.CancelFunc)}
}

func (r *runRegistry) add(id uuid.UUID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id] = cancel
}

func (r *runRegistry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

// cancel stops the run for the given job if one is active.
func (r *runRegistry) cancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancelFn, ok := r.runs[id]; ok {
		cancelFn()
		delete(r.runs, id)
		return true
	}
	return false
}
