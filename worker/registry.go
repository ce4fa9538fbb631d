package worker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/rhino"
)

// Registry holds the single engine handle a worker serves, keyed by a
// session id. It never replaces a live handle.
type Registry struct {
	handle *rhino.Handle
	mu     sync.Mutex
	id     uuid.UUID
}

// Put stores h under a new session id. It fails with InvalidState while
// another handle is registered.
func (r *Registry) Put(h *rhino.Handle) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		return uuid.Nil, errors.InvalidState(errors.PhaseInit,
			"engine already initialized (session %s)", r.id)
	}
	r.handle = h
	r.id = uuid.New()
	return r.id, nil
}

// Get returns the registered handle and its session id.
func (r *Registry) Get() (*rhino.Handle, uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle, r.id, r.handle != nil
}

// Take removes and returns the registered handle.
func (r *Registry) Take() (*rhino.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle
	r.handle = nil
	r.id = uuid.Nil
	return h, h != nil
}
