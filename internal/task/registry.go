package task

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnknownTask is returned when an identity was never registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when an identity is registered twice.
	ErrDuplicateTask = errors.New("duplicate task identity")
)

// Registry maps task identity to its current State. It is the single source
// of truth for what is known about each job; callers only ever receive copies.
type Registry struct {
	mu     sync.RWMutex
	states map[string]State
	order  []string
	now    func() time.Time
}

// NewRegistry creates an empty registry. A nil clock defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		states: make(map[string]State),
		now:    now,
	}
}

// Register adds a pending task.
func (r *Registry) Register(id string, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	r.states[id] = NewState(id, req, r.now())
	r.order = append(r.order, id)
	return nil
}

// Connect moves a pending task to connecting.
func (r *Registry) Connect(id string) (State, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[id]
	if !ok {
		return State{}, false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	next, changed := Connect(s)
	if changed {
		r.states[id] = next
	}
	return next.Clone(), changed, nil
}

// Update applies a frame to the task's state and stores the result.
func (r *Registry) Update(id string, f Frame) (State, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[id]
	if !ok {
		return State{}, false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	next, changed := Apply(s, f, r.now())
	if changed {
		r.states[id] = next
	}
	return next.Clone(), changed, nil
}

// Get returns a copy of one task's state.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[id]
	if !ok {
		return State{}, false
	}
	return s.Clone(), true
}

// IDs returns identities in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Snapshot returns a deep copy of every state.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.states))
	for id, s := range r.states {
		out[id] = s.Clone()
	}
	return out
}

// AllTerminal reports whether the registry is non-empty and every task is
// complete or errored.
func (r *Registry) AllTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.states) == 0 {
		return false
	}
	for _, s := range r.states {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}
