package orchestrator

import (
	"context"
	"sync"
)

// AbortRegistry maps conversation ids to cancellation handles so an
// external surface (HTTP disconnect, abort endpoint) can cancel an
// in-flight run. One instance per process, injected where needed.
type AbortRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewAbortRegistry creates an empty registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{cancels: make(map[string]context.CancelFunc)}
}

// Register stores the cancel handle for a conversation. Re-registering
// replaces the previous handle without invoking it.
func (r *AbortRegistry) Register(conversationID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[conversationID] = cancel
}

// Cancel invokes and removes the handle for a conversation. Cancelling
// an unknown or already-finished id is a no-op.
func (r *AbortRegistry) Cancel(conversationID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[conversationID]
	if ok {
		delete(r.cancels, conversationID)
	}
	r.mu.Unlock()

	if ok {
		cancel()
	}
}

// Unregister removes the handle without cancelling. Runs call this on
// every exit path so entries never outlive their run.
func (r *AbortRegistry) Unregister(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, conversationID)
}

// Len reports the number of live handles.
func (r *AbortRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
