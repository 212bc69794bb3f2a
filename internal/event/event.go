// Package event implements the ordered publish/dispatch channels used throughout the
// server. Listeners are registered with a priority and invoked synchronously in
// ascending priority order, with registration order breaking ties.
//
// Registration is copy-on-write: every Invoke works against the snapshot of listeners
// that was current when it started, so listeners may be added or removed from any
// goroutine (including from inside a running listener) without affecting an in-flight
// invocation.
package event

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Listener wraps a callback so that it has a stable identity. Registering the same
// *Listener twice on one channel is a no-op, as is unregistering one that was never
// registered.
type Listener[A any] struct {
	fn func(A)
}

// Listen returns a new Listener for fn.
func Listen[A any](fn func(A)) *Listener[A] {
	return &Listener[A]{fn: fn}
}

// Cancellable is implemented by payloads of an Event. Once Handled returns true the
// remaining listeners in the chain are skipped.
type Cancellable interface {
	Handled() bool
}

type entry[A any] struct {
	listener *Listener[A]
	priority int
	seq      uint64
	filter   func(A) bool
}

// chain holds the shared registration logic of Event and Notifier.
type chain[A any] struct {
	mu       sync.Mutex
	seq      uint64
	snapshot atomic.Pointer[[]entry[A]]
}

func (c *chain[A]) load() []entry[A] {
	if s := c.snapshot.Load(); s != nil {
		return *s
	}
	return nil
}

func (c *chain[A]) register(l *Listener[A], priority int, filter func(A) bool) bool {
	if l == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.load()
	for _, e := range current {
		if e.listener == l {
			return false
		}
	}

	c.seq++
	next := make([]entry[A], len(current), len(current)+1)
	copy(next, current)
	next = append(next, entry[A]{listener: l, priority: priority, seq: c.seq, filter: filter})
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].priority != next[j].priority {
			return next[i].priority < next[j].priority
		}
		return next[i].seq < next[j].seq
	})
	c.snapshot.Store(&next)
	return true
}

func (c *chain[A]) unregister(l *Listener[A]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.load()
	for i, e := range current {
		if e.listener != l {
			continue
		}
		next := make([]entry[A], 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		c.snapshot.Store(&next)
		return true
	}
	return false
}

// Event is a cancellable channel: a listener that marks its payload as handled ends
// the chain and Invoke reports it to the caller, which skips its default action.
type Event[A Cancellable] struct {
	c chain[A]
}

// Register adds l to the chain. It returns false if l was already registered.
func (e *Event[A]) Register(l *Listener[A], priority int) bool {
	return e.c.register(l, priority, nil)
}

// RegisterFiltered is like Register, but l only runs for payloads accepted by filter.
func (e *Event[A]) RegisterFiltered(l *Listener[A], priority int, filter func(A) bool) bool {
	return e.c.register(l, priority, filter)
}

// Unregister removes l from the chain, returning false if it wasn't registered.
func (e *Event[A]) Unregister(l *Listener[A]) bool {
	return e.c.unregister(l)
}

// Len returns the number of registered listeners.
func (e *Event[A]) Len() int {
	return len(e.c.load())
}

// Invoke runs the chain against a and reports whether a listener handled it. Panics
// raised by listeners are not recovered here.
func (e *Event[A]) Invoke(a A) bool {
	for _, en := range e.c.load() {
		if en.filter != nil && !en.filter(a) {
			continue
		}
		en.listener.fn(a)
		if a.Handled() {
			return true
		}
	}
	return false
}

// Notifier is a non-cancellable channel used for pure notifications; every listener
// runs on every Invoke.
type Notifier[A any] struct {
	c chain[A]
}

// Register adds l to the chain. It returns false if l was already registered.
func (n *Notifier[A]) Register(l *Listener[A], priority int) bool {
	return n.c.register(l, priority, nil)
}

// Unregister removes l from the chain, returning false if it wasn't registered.
func (n *Notifier[A]) Unregister(l *Listener[A]) bool {
	return n.c.unregister(l)
}

// Len returns the number of registered listeners.
func (n *Notifier[A]) Len() int {
	return len(n.c.load())
}

// Invoke runs every registered listener with a.
func (n *Notifier[A]) Invoke(a A) {
	for _, en := range n.c.load() {
		en.listener.fn(a)
	}
}
