// Package procreg is the live, in-memory registry of running process
// drivers: for each processId, the goroutine-owned handle that can signal
// it to stop, and the last observed ProcessState. It exists alongside
// processstore's durable snapshot because a driver's cancel func and
// liveness are never persisted - they only make sense while the process
// goroutine is actually running, mirroring coordinator.PhaseManager's
// workflow map but scoped to runtime handles rather than phase metadata.
package procreg

import (
	"fmt"
	"sync"

	"github.com/dpp-connector/engine/model"
)

// Handle is what a driver registers for its process: a way for the
// supervisor to ask it to stop, and the state it last observed.
type Handle struct {
	Cancel func()
	state  model.ProcessState
}

// Registry tracks every process currently being driven.
type Registry struct {
	mu      sync.RWMutex
	running map[string]*Handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{running: make(map[string]*Handle)}
}

// Register records a new running process with its cancel func and initial
// state. It overwrites any prior handle for the same id.
func (r *Registry) Register(processID string, initial model.ProcessState, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[processID] = &Handle{Cancel: cancel, state: initial}
}

// SetState updates the live state for processID, validated against
// model.ProcessState.CanTransitionTo - the same rule processstore.Transition
// enforces on the durable copy, so the two never disagree about what moves
// are legal.
func (r *Registry) SetState(processID string, target model.ProcessState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.running[processID]
	if !ok {
		return model.NewError(model.KindInvalidState, fmt.Sprintf("process %s not registered", processID), nil)
	}
	if !h.state.CanTransitionTo(target) {
		return model.NewError(model.KindInvalidState,
			fmt.Sprintf("process %s cannot move %s -> %s", processID, h.state, target), nil)
	}
	h.state = target
	return nil
}

// GetState returns the last state SetState recorded for processID.
func (r *Registry) GetState(processID string) (model.ProcessState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.running[processID]
	if !ok {
		return "", false
	}
	return h.state, true
}

// SignalTerminate calls the registered cancel func for processID, if any.
// It is idempotent: terminating a process that isn't registered (already
// finished, or never started) is not an error.
func (r *Registry) SignalTerminate(processID string) {
	r.mu.RLock()
	h, ok := r.running[processID]
	r.mu.RUnlock()
	if ok && h.Cancel != nil {
		h.Cancel()
	}
}

// IsTerminated reports whether processID is no longer registered, i.e. its
// driver goroutine has finished and called Unregister.
func (r *Registry) IsTerminated(processID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.running[processID]
	return !ok
}

// Unregister removes processID from the live registry. Drivers call this
// on exit, success or failure alike.
func (r *Registry) Unregister(processID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, processID)
}

// Active returns the ids of every currently-registered process.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}
