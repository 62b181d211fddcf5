package scan

import (
	"context"
	"sync"
)

// Registry tracks in-flight scans so they can be cancelled exactly once.
type Registry struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{running: make(map[string]context.CancelFunc)}
}

func (r *Registry) register(scanID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.running[scanID] = cancel
	r.mu.Unlock()
}

func (r *Registry) remove(scanID string) {
	r.mu.Lock()
	delete(r.running, scanID)
	r.mu.Unlock()
}

// Cancel stops a running scan. It returns true only for the call that
// actually triggered the cancellation; repeated calls and unknown IDs
// return false.
func (r *Registry) Cancel(scanID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[scanID]
	if ok {
		delete(r.running, scanID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// Running reports whether the scan is currently executing.
func (r *Registry) Running(scanID string) bool {
	r.mu.Lock()
	_, ok := r.running[scanID]
	r.mu.Unlock()
	return ok
}
