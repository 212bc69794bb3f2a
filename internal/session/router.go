package session

import (
	"sync/atomic"

	"github.com/dcrodman/multiworld/internal/instance"
)

// Router maps each slot to the instance that owns it. Writes happen on admission,
// transfer and disconnect; every inbound frame reads it.
type Router struct {
	routes [MaxConnections]atomic.Pointer[instance.Instance]
}

func validSlot(slot int) bool { return slot >= 0 && slot < MaxConnections }

// Load returns the instance slot is routed to, or nil.
func (r *Router) Load(slot int) *instance.Instance {
	if !validSlot(slot) {
		return nil
	}
	return r.routes[slot].Load()
}

// Publish routes slot to inst.
func (r *Router) Publish(slot int, inst *instance.Instance) {
	if validSlot(slot) {
		r.routes[slot].Store(inst)
	}
}

// Clear removes the route for slot and returns the instance it pointed to.
func (r *Router) Clear(slot int) *instance.Instance {
	if !validSlot(slot) {
		return nil
	}
	return r.routes[slot].Swap(nil)
}

// Routes reports whether slot is currently routed to inst.
func (r *Router) Routes(slot int, inst *instance.Instance) bool {
	return inst != nil && r.Load(slot) == inst
}

// Count returns how many slots are routed to inst.
func (r *Router) Count(inst *instance.Instance) int {
	n := 0
	for i := range r.routes {
		if r.routes[i].Load() == inst {
			n++
		}
	}
	return n
}
