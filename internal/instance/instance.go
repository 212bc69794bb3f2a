// Package instance models the simulations ("worlds") hosted by the server and the
// registry through which the rest of the server finds them.
//
// The simulation itself is opaque to this package. It is plugged in through the
// Engine interface, and the Instance wraps it with the state the network core needs:
// a name, a running flag, the per-slot player table and the lifecycle hooks.
package instance

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/dcrodman/multiworld/internal/event"
	"github.com/dcrodman/multiworld/internal/packets"
)

var (
	ErrAlreadyRunning = errors.New("instance already running")
	ErrNoOutbound     = errors.New("instance has no outbound path")
)

// Engine is the extension point implemented by a simulation.
type Engine interface {
	// Run drives the simulation until ctx is cancelled. Engines should call
	// Instance.Tick once per simulation step.
	Run(ctx context.Context, inst *Instance) error

	// Deliver hands the engine a client frame that made it through dispatch.
	Deliver(slot int, frame []byte)

	// Joined is called once the player at slot belongs to this world.
	Joined(slot int)

	// Left is called when the player at slot is departing, before its record is removed.
	Left(slot int)
}

// Outbound is how an Instance reaches its connections.
type Outbound interface {
	SendTo(from *Instance, slot int, frame []byte)
}

// PlayerEvent is the payload of the join/leave notifications.
type PlayerEvent struct {
	Instance *Instance
	Slot     int
	Player   *Player
}

// Instance is one running simulation. It exclusively owns its world and player state.
type Instance struct {
	settings Settings
	worldID  int32
	engine   Engine

	running  atomic.Bool
	outbound Outbound
	players  PlayerTable

	// gate is held for reading by every join and for writing by Retire.
	gate    sync.RWMutex
	retired bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// BeforeTick fires at the start of every simulation step.
	BeforeTick event.Notifier[*Instance]
	// PlayerJoined fires after a player has been added to this world.
	PlayerJoined event.Notifier[PlayerEvent]
	// PlayerLeft fires while a player is departing, before its record is removed.
	PlayerLeft event.Notifier[PlayerEvent]
}

// New creates a stopped instance.
func New(settings Settings, engine Engine) *Instance {
	h := fnv.New32a()
	_, _ = h.Write([]byte(settings.WorldName))

	return &Instance{
		settings: settings,
		worldID:  int32(h.Sum32() & 0x7FFFFFFF),
		engine:   engine,
	}
}

// Name returns the instance name, unique within a Registry ignoring case.
func (i *Instance) Name() string          { return i.settings.Name }
func (i *Instance) WorldID() int32        { return i.worldID }
func (i *Instance) Settings() Settings    { return i.settings }
func (i *Instance) Running() bool         { return i.running.Load() }
func (i *Instance) Players() *PlayerTable { return &i.players }
func (i *Instance) Engine() Engine        { return i.engine }
func (i *Instance) ActivePlayers() int    { return i.players.Count() }
func (i *Instance) String() string        { return i.settings.Name }

// Admit runs join while the instance is guaranteed to take new players: it is
// running and has not been retired. It reports whether join ran. join must not
// call Admit or Retire on the same instance.
func (i *Instance) Admit(join func()) bool {
	i.gate.RLock()
	defer i.gate.RUnlock()
	if i.retired || !i.running.Load() {
		return false
	}
	join()
	return true
}

// Retire stops the instance from taking new players. An instance that still has
// active players is left open and their number returned with ok false.
func (i *Instance) Retire() (occupied int, ok bool) {
	i.gate.Lock()
	defer i.gate.Unlock()
	if n := i.players.Count(); n > 0 {
		return n, false
	}
	i.retired = true
	return 0, true
}

// Retired reports whether Retire has succeeded.
func (i *Instance) Retired() bool {
	i.gate.RLock()
	defer i.gate.RUnlock()
	return i.retired
}

// Start launches the engine in its own goroutine. The instance stops running when
// the engine returns, whether because ctx ended, Stop was called or it failed.
func (i *Instance) Start(ctx context.Context, out Outbound) error {
	if out == nil {
		return ErrNoOutbound
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running.Load() {
		return fmt.Errorf("%s: %w", i.Name(), ErrAlreadyRunning)
	}

	ctx, i.cancel = context.WithCancel(ctx)
	i.done = make(chan struct{})
	i.outbound = out
	i.err = nil
	i.running.Store(true)

	go func(done chan struct{}) {
		err := i.engine.Run(ctx, i)
		i.mu.Lock()
		i.err = err
		i.mu.Unlock()
		i.running.Store(false)
		close(done)
	}(i.done)

	return nil
}

// Stop cancels the engine and waits for it to return, reporting its error.
func (i *Instance) Stop() error {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	i.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	i.mu.Lock()
	defer i.mu.Unlock()
	if errors.Is(i.err, context.Canceled) {
		return nil
	}
	return i.err
}

// Done is closed once the engine has returned. It is nil before Start.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

// Tick fires BeforeTick; engines call it once per step.
func (i *Instance) Tick() {
	i.BeforeTick.Invoke(i)
}

// Deliver forwards a client frame to the engine.
func (i *Instance) Deliver(slot int, frame []byte) {
	i.engine.Deliver(slot, frame)
}

// Send queues a server frame for the connection at slot.
func (i *Instance) Send(slot int, frame []byte) {
	if i.outbound != nil {
		i.outbound.SendTo(i, slot, frame)
	}
}

// Broadcast sends frame to every active player except the one at except (pass -1
// to include everyone).
func (i *Instance) Broadcast(frame []byte, except int) {
	for _, p := range i.players.Active() {
		if p.Slot != except {
			i.Send(p.Slot, frame)
		}
	}
}

// AnnounceActive tells every other player in this world whether the player at slot
// is present.
func (i *Instance) AnnounceActive(slot int, active bool) {
	frame := packets.MustMarshal(&packets.PlayerActive{PlayerID: byte(slot), Active: active}, packets.FromServer)
	i.Broadcast(frame, slot)
}

// NotifyJoined tells the engine and the PlayerJoined listeners that the player at
// slot now belongs to this world.
func (i *Instance) NotifyJoined(slot int) {
	i.engine.Joined(slot)
	i.PlayerJoined.Invoke(PlayerEvent{Instance: i, Slot: slot, Player: i.players.Get(slot)})
}

// NotifyLeaving tells the engine and the PlayerLeft listeners that the player at
// slot is departing.
func (i *Instance) NotifyLeaving(slot int) {
	i.PlayerLeft.Invoke(PlayerEvent{Instance: i, Slot: slot, Player: i.players.Get(slot)})
	i.engine.Left(slot)
}

// Join adds p at slot and fires the join notifications. It reports false, doing
// nothing, when the instance is not taking players.
func (i *Instance) Join(slot int, p *Player) bool {
	if !i.Admit(func() { i.players.Put(slot, p) }) {
		return false
	}
	i.NotifyJoined(slot)
	return true
}

// Leave fires the leave notifications and removes the player at slot.
func (i *Instance) Leave(slot int) *Player {
	if i.players.Get(slot) == nil {
		return nil
	}
	i.NotifyLeaving(slot)
	return i.players.Take(slot)
}
