package instance

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dcrodman/multiworld/internal/event"
)

var (
	ErrDuplicateName    = errors.New("an instance with that name already exists")
	ErrNotFound         = errors.New("no such instance")
	ErrInstanceOccupied = errors.New("instance still has players attached")
)

// Registry is the set of instances known to the server. Readers work on an
// immutable snapshot and never take a lock; writers publish a new snapshot.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]*Instance]

	Added   event.Notifier[*Instance]
	Removed event.Notifier[*Instance]
}

// Snapshot returns the current list of instances in insertion order. Callers must
// not modify the returned slice.
func (r *Registry) Snapshot() []*Instance {
	if s := r.snapshot.Load(); s != nil {
		return *s
	}
	return nil
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

// Find returns the instance with name (case-insensitive), or nil.
func (r *Registry) Find(name string) *Instance {
	for _, inst := range r.Snapshot() {
		if strings.EqualFold(inst.Name(), name) {
			return inst
		}
	}
	return nil
}

// Running returns the running instances in insertion order.
func (r *Registry) Running() []*Instance {
	var running []*Instance
	for _, inst := range r.Snapshot() {
		if inst.Running() {
			running = append(running, inst)
		}
	}
	return running
}

// ActivePlayers sums the active players over every instance.
func (r *Registry) ActivePlayers() int {
	n := 0
	for _, inst := range r.Snapshot() {
		n += inst.ActivePlayers()
	}
	return n
}

// Add registers inst. Names are unique, ignoring case.
func (r *Registry) Add(inst *Instance) error {
	r.mu.Lock()
	current := r.Snapshot()
	for _, existing := range current {
		if strings.EqualFold(existing.Name(), inst.Name()) {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateName, inst.Name())
		}
	}

	next := make([]*Instance, len(current), len(current)+1)
	copy(next, current)
	next = append(next, inst)
	r.snapshot.Store(&next)
	r.mu.Unlock()

	r.Added.Invoke(inst)
	return nil
}

// Remove unregisters the instance with name. Instances that still have active
// players are not removed; callers must move or disconnect those players first.
// A removed instance is retired, so no player can join it afterwards.
func (r *Registry) Remove(name string) (*Instance, error) {
	r.mu.Lock()
	current := r.Snapshot()

	idx := -1
	for i, inst := range current {
		if strings.EqualFold(inst.Name(), name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	removed := current[idx]
	if n, ok := removed.Retire(); !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d", ErrInstanceOccupied, removed.Name(), n)
	}

	next := make([]*Instance, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	r.snapshot.Store(&next)
	r.mu.Unlock()

	r.Removed.Invoke(removed)
	return removed, nil
}
