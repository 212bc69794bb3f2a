// Package session tracks the server's connection slots: which are free, the
// handshake progress and socket of the ones in use, and which instance each
// assigned slot is routed to.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/packets"
)

// MaxConnections is the hard slot limit; slots double as player indexes.
const MaxConnections = instance.MaxPlayers

// State is the lifecycle state of a slot.
type State int32

const (
	Free State = iota
	Pending
	Assigned
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Pending:
		return "pending"
	case Assigned:
		return "assigned"
	}
	return "invalid"
}

// Stage is a connection's progress through the handshake.
type Stage uint8

const (
	StageAccepted Stage = iota
	StageAwaitingHello
	StageAwaitingPassword
	StageAwaitingNameSync
	StageAwaitingUUID
	StageAssigned
	StageRejected
)

var stageNames = [...]string{
	StageAccepted:         "Accepted",
	StageAwaitingHello:    "AwaitingHello",
	StageAwaitingPassword: "AwaitingPassword",
	StageAwaitingNameSync: "AwaitingNameSync",
	StageAwaitingUUID:     "AwaitingUuid",
	StageAssigned:         "Assigned",
	StageRejected:         "Rejected",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "Invalid"
}

// Handshake is what a connection has told us before it is assigned. The raw
// frames are kept so they can be replayed to the instance it joins.
type Handshake struct {
	Stage     Stage
	Version   string
	Info      *packets.PlayerInfo
	InfoFrame []byte
	UUID      string
	UUIDFrame []byte
}

// Slot is one connection. Everything but the state, socket and termination flag
// is guarded by the slot lock, which serializes frame processing with transfers.
type Slot struct {
	index int
	mu    sync.Mutex
	state atomic.Int32

	conn      atomic.Pointer[Conn]
	Handshake Handshake
	// Player is the simulation-side record; it moves between instances on transfer.
	Player   *instance.Player
	Sections Sections

	termMu    sync.Mutex
	terminate bool
	reason    string

	deferred []func()
}

// Index is the slot's position in the arena, which is also the player index.
func (s *Slot) Index() int { return s.index }

// Conn returns the connection occupying the slot, or nil.
func (s *Slot) Conn() *Conn { return s.conn.Load() }

// State returns where the slot is in its lifecycle.
func (s *Slot) State() State { return State(s.state.Load()) }

// Lock serializes frame processing and transfers for the slot.
func (s *Slot) Lock() { s.mu.Lock() }

// Unlock releases the lock taken by Lock.
func (s *Slot) Unlock() { s.mu.Unlock() }

// Assign moves a pending slot to Assigned.
func (s *Slot) Assign() bool {
	return s.state.CompareAndSwap(int32(Pending), int32(Assigned))
}

// Terminate flags the slot to be disconnected after the current frame. The first
// reason given wins.
func (s *Slot) Terminate(reason string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if !s.terminate {
		s.terminate = true
		s.reason = reason
	}
}

// Terminated reports whether the slot has been flagged and why.
func (s *Slot) Terminated() (bool, string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.terminate, s.reason
}

// AfterFrame queues fn to run once the current frame is finished and the slot lock
// has been released. Must be called with the slot lock held.
func (s *Slot) AfterFrame(fn func()) {
	s.deferred = append(s.deferred, fn)
}

// TakeDeferred returns and clears the functions queued by AfterFrame. Must be
// called with the slot lock held.
func (s *Slot) TakeDeferred() []func() {
	fns := s.deferred
	s.deferred = nil
	return fns
}

func (s *Slot) reset() {
	s.conn.Store(nil)
	s.Handshake = Handshake{}
	s.Player = nil
	s.Sections.Reset()
	s.deferred = nil

	s.termMu.Lock()
	s.terminate = false
	s.reason = ""
	s.termMu.Unlock()
}

// Arena is the fixed set of connection slots.
type Arena struct {
	mu    sync.Mutex
	slots []*Slot
	inUse int
}

// NewArena creates capacity slots, clamped to [1, MaxConnections].
func NewArena(capacity int) *Arena {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > MaxConnections {
		capacity = MaxConnections
	}

	a := &Arena{slots: make([]*Slot, capacity)}
	for i := range a.slots {
		a.slots[i] = &Slot{index: i}
	}
	return a
}

// Claim takes the lowest free slot for conn. It returns false when every slot is
// in use.
func (a *Arena) Claim(conn *Conn) (*Slot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.slots {
		if s.State() != Free {
			continue
		}
		s.Lock()
		s.reset()
		s.conn.Store(conn)
		s.Handshake.Stage = StageAccepted
		s.Unlock()
		s.state.Store(int32(Pending))
		a.inUse++
		return s, true
	}
	return nil, false
}

// Release returns s to the free pool. The caller must have detached it from any
// instance first.
func (a *Arena) Release(s *Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s.State() == Free {
		return
	}
	s.Lock()
	s.reset()
	s.Unlock()
	s.state.Store(int32(Free))
	a.inUse--
}

// Slot returns the slot at index, or nil if out of range.
func (a *Arena) Slot(index int) *Slot {
	if index < 0 || index >= len(a.slots) {
		return nil
	}
	return a.slots[index]
}

// Cap returns the number of slots.
func (a *Arena) Cap() int { return len(a.slots) }

// InUse returns the number of slots that aren't free.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Each calls fn for every slot that is in use.
func (a *Arena) Each(fn func(*Slot)) {
	for _, s := range a.slots {
		if s.State() != Free {
			fn(s)
		}
	}
}
