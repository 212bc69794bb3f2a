package instance

import (
	"sync"
	"sync/atomic"

	"github.com/dcrodman/multiworld/internal/packets"
)

// MaxPlayers is the number of player indexes a world can address. Connection slots
// map one-to-one onto player indexes.
const MaxPlayers = 255

// Player is the simulation-side record for one connection.
type Player struct {
	Slot       int
	Name       string
	UUID       string
	RemoteAddr string
	// Latest appearance sync from the client, replayed to worlds the player moves to.
	Info *packets.PlayerInfo

	active atomic.Bool
}

// Active reports whether the player is in a world's table.
func (p *Player) Active() bool { return p.active.Load() }

// PlayerTable is a world's per-slot player records.
type PlayerTable struct {
	mu      sync.RWMutex
	players [MaxPlayers]*Player
}

func validSlot(slot int) bool { return slot >= 0 && slot < MaxPlayers }

// Get returns the record at slot, or nil.
func (t *PlayerTable) Get(slot int) *Player {
	if !validSlot(slot) {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.players[slot]
}

// Put stores p at slot and marks it active, replacing any previous record.
func (t *PlayerTable) Put(slot int, p *Player) {
	if !validSlot(slot) || p == nil {
		return
	}
	t.mu.Lock()
	p.Slot = slot
	t.players[slot] = p
	p.active.Store(true)
	t.mu.Unlock()
}

// Take removes and returns the record at slot, marking it inactive.
func (t *PlayerTable) Take(slot int) *Player {
	if !validSlot(slot) {
		return nil
	}
	t.mu.Lock()
	p := t.players[slot]
	t.players[slot] = nil
	t.mu.Unlock()

	if p != nil {
		p.active.Store(false)
	}
	return p
}

// Active returns the active players ordered by slot.
func (t *PlayerTable) Active() []*Player {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var active []*Player
	for _, p := range t.players {
		if p != nil && p.Active() {
			active = append(active, p)
		}
	}
	return active
}

// Count returns the number of active players.
func (t *PlayerTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, p := range t.players {
		if p != nil && p.Active() {
			n++
		}
	}
	return n
}
