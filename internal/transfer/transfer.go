// Package transfer moves an assigned connection from one instance to another
// without dropping its socket.
package transfer

import (
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/multiworld/internal/event"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/session"
)

// Moved is the payload of Service.Moved.
type Moved struct {
	Slot   int
	From   *instance.Instance
	To     *instance.Instance
	Player *instance.Player
}

// Service performs transfers.
type Service struct {
	Logger *logrus.Logger
	Arena  *session.Arena
	Router *session.Router

	// Moved fires after a transfer has completed, with the slot lock released.
	Moved event.Notifier[Moved]
}

// New creates a Service moving players between the instances routed by router.
func New(logger *logrus.Logger, arena *session.Arena, router *session.Router) *Service {
	return &Service{Logger: logger, Arena: arena, Router: router}
}

// Transfer moves the connection at slot to dest and reports whether it did. It is
// a no-op returning false if the slot is not assigned, dest is not running or the
// connection is already there.
//
// Transfer takes the slot lock, so it must not be called from a packet handler for
// the same slot; use Schedule there.
func (s *Service) Transfer(index int, dest *instance.Instance) bool {
	slot := s.Arena.Slot(index)
	if slot == nil || dest == nil {
		return false
	}

	slot.Lock()
	moved, ok := s.transferLocked(slot, dest)
	slot.Unlock()

	if ok {
		s.Moved.Invoke(moved)
	}
	return ok
}

// Schedule arranges for the connection at slot to be transferred to dest once the
// frame currently being processed is finished. It must be called with the slot
// lock held, which is the case inside packet handlers.
func (s *Service) Schedule(slot *session.Slot, dest *instance.Instance) {
	slot.AfterFrame(func() {
		s.Transfer(slot.Index(), dest)
	})
}

func (s *Service) transferLocked(slot *session.Slot, dest *instance.Instance) (Moved, bool) {
	index := slot.Index()
	source := s.Router.Load(index)

	if slot.State() != session.Assigned || source == nil || source == dest {
		s.Logger.WithFields(logrus.Fields{"slot": index, "to": dest.Name()}).
			Debug("[TRANSFER] preconditions not met, ignoring")
		return Moved{}, false
	}

	var player *instance.Player
	admitted := dest.Admit(func() {
		// The departing player disappears for everyone still in the source world.
		source.AnnounceActive(index, false)
		source.NotifyLeaving(index)

		player = source.Players().Take(index)
		if player == nil {
			player = slot.Player
		}
		if player == nil {
			player = &instance.Player{}
		}
		dest.Players().Put(index, player)
		s.Router.Publish(index, dest)
	})
	if !admitted {
		s.Logger.WithFields(logrus.Fields{"slot": index, "to": dest.Name()}).
			Debug("[TRANSFER] destination is not taking players, ignoring")
		return Moved{}, false
	}
	slot.Player = player
	slot.Sections.Reset()

	if info := slot.Handshake.InfoFrame; info != nil {
		dest.Deliver(index, info)
	}
	dest.NotifyJoined(index)
	dest.AnnounceActive(index, true)

	s.Logger.WithFields(logrus.Fields{"slot": index, "player": player.Name, "from": source.Name(), "to": dest.Name()}).
		Info("[TRANSFER] moved player")
	return Moved{Slot: index, From: source, To: dest, Player: player}, true
}
