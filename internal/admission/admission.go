// Package admission takes a freshly accepted connection through the handshake and
// assigns it to an instance.
//
// A connection moves through AwaitingHello, AwaitingPassword (only when a password
// is configured), AwaitingNameSync and AwaitingUuid. Each stage accepts exactly one
// packet type; anything else gets the connection kicked. Once the client has sent
// its UUID the join policy picks a running instance and the connection is routed
// to it.
package admission

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/message"

	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/event"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/localization"
	"github.com/dcrodman/multiworld/internal/packets"
	"github.com/dcrodman/multiworld/internal/session"
)

// Rejection means the connection must be kicked with Reason.
type Rejection struct {
	Slot   int
	Stage  session.Stage
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("slot %d rejected at %s: %s", r.Slot, r.Stage, r.Reason)
}

// Admitted is the payload of Machine.Admitted.
type Admitted struct {
	Slot     *session.Slot
	Instance *instance.Instance
	Player   *instance.Player
}

// Machine runs the handshake for every pending slot.
type Machine struct {
	Logger     *logrus.Logger
	Registry   *instance.Registry
	Router     *session.Router
	Dispatcher *dispatch.Dispatcher

	password atomic.Pointer[string]
	version  atomic.Pointer[string]
	policy   atomic.Pointer[namedPolicy]
	printer  atomic.Pointer[message.Printer]

	// Admitted fires after a connection has joined its instance.
	Admitted event.Notifier[Admitted]
}

type namedPolicy struct {
	name string
	Policy
}

// New creates a Machine using the "first" join policy, no password and no version
// check.
func New(logger *logrus.Logger, registry *instance.Registry, router *session.Router, d *dispatch.Dispatcher) *Machine {
	m := &Machine{Logger: logger, Registry: registry, Router: router, Dispatcher: d}
	m.SetPassword("")
	m.SetVersion("")
	m.SetLanguage("en")
	_ = m.SetPolicy(PolicyFirst)
	return m
}

// SetPassword sets the server password; empty disables the password stage.
func (m *Machine) SetPassword(password string) { m.password.Store(&password) }

// SetVersion sets the protocol version clients must send; empty accepts any.
func (m *Machine) SetVersion(version string) { m.version.Store(&version) }

// SetLanguage sets the language of kick reasons.
func (m *Machine) SetLanguage(lang string) { m.printer.Store(localization.Printer(lang)) }

// SetPolicy switches the join policy. Connections already past the handshake are
// not affected.
func (m *Machine) SetPolicy(name string) error {
	p, err := LookupPolicy(name)
	if err != nil {
		return err
	}
	m.policy.Store(&namedPolicy{name: name, Policy: p})
	return nil
}

// PolicyName returns the name of the current join policy.
func (m *Machine) PolicyName() string { return m.policy.Load().name }

func (m *Machine) text(key string, args ...interface{}) string {
	return m.printer.Load().Sprintf(key, args...)
}

// Accept starts the handshake for a newly claimed slot.
func (m *Machine) Accept(slot *session.Slot) {
	slot.Handshake.Stage = session.StageAwaitingHello
}

// Handle processes one frame from a pending slot. It must be called with the slot
// lock held. A *Rejection or *dispatch.ViolationError means the connection must be
// kicked; other errors only cost the frame.
func (m *Machine) Handle(slot *session.Slot, frame []byte) error {
	stage := slot.Handshake.Stage
	if stage == session.StageAssigned || stage == session.StageRejected {
		return nil
	}

	result, err := m.Dispatcher.Dispatch(frame, slot.Index(), nil, packets.FromClient)
	if err != nil {
		return err
	}
	if result.Verdict == dispatch.Cancel {
		return nil
	}

	switch stage {
	case session.StageAwaitingHello:
		var hello packets.ConnectRequest
		if err := m.expect(slot, result, &hello); err != nil {
			return err
		}
		return m.hello(slot, &hello)

	case session.StageAwaitingPassword:
		var pw packets.SendPassword
		if err := m.expect(slot, result, &pw); err != nil {
			return err
		}
		if pw.Password != *m.password.Load() {
			return m.reject(slot, m.text(localization.WrongPassword))
		}
		m.grantSlot(slot)
		return nil

	case session.StageAwaitingNameSync:
		var info packets.PlayerInfo
		if err := m.expect(slot, result, &info); err != nil {
			return err
		}
		info.PlayerID = byte(slot.Index())
		slot.Handshake.Info = &info
		slot.Handshake.InfoFrame = packets.MustMarshal(&info, packets.FromClient)
		slot.Handshake.Stage = session.StageAwaitingUUID
		return nil

	case session.StageAwaitingUUID:
		var id packets.ClientUUID
		if err := m.expect(slot, result, &id); err != nil {
			return err
		}
		slot.Handshake.UUID = id.UUID
		slot.Handshake.UUIDFrame = append([]byte(nil), result.Frame...)
		return m.assign(slot)
	}

	return m.reject(slot, m.text(localization.InvalidOperation))
}

// expect decodes the frame as p. Any other type is a protocol violation and gets
// the slot rejected.
func (m *Machine) expect(slot *session.Slot, result dispatch.Result, p packets.Packet) error {
	if result.Type != p.Type() {
		m.Logger.WithFields(logrus.Fields{"slot": slot.Index(), "stage": slot.Handshake.Stage,
			"type": packets.Name(result.Type)}).Warn("[ADMISSION] unexpected packet during handshake")
		return m.reject(slot, m.text(localization.ProtocolViolation, "unexpected "+packets.Name(result.Type)))
	}
	if err := packets.Unmarshal(result.Frame, p, packets.FromClient); err != nil {
		return &dispatch.ViolationError{Slot: slot.Index(), Reason: "malformed " + packets.Name(result.Type), Err: err}
	}
	return nil
}

func (m *Machine) reject(slot *session.Slot, reason string) error {
	stage := slot.Handshake.Stage
	slot.Handshake.Stage = session.StageRejected
	return &Rejection{Slot: slot.Index(), Stage: stage, Reason: reason}
}

func (m *Machine) hello(slot *session.Slot, hello *packets.ConnectRequest) error {
	slot.Handshake.Version = hello.Version
	if want := *m.version.Load(); want != "" && hello.Version != want {
		m.Logger.Infof("[ADMISSION] slot %d sent version %q, expected %q", slot.Index(), hello.Version, want)
		return m.reject(slot, m.text(localization.VersionMismatch))
	}

	if *m.password.Load() != "" {
		slot.Handshake.Stage = session.StageAwaitingPassword
		m.send(slot, packets.MustMarshal(&packets.RequestPassword{}, packets.FromServer))
		return nil
	}
	m.grantSlot(slot)
	return nil
}

// grantSlot tells the client its player index.
func (m *Machine) grantSlot(slot *session.Slot) {
	slot.Handshake.Stage = session.StageAwaitingNameSync
	m.send(slot, packets.MustMarshal(&packets.SetUserSlot{PlayerID: byte(slot.Index())}, packets.FromServer))
}

func (m *Machine) send(slot *session.Slot, frame []byte) {
	if conn := slot.Conn(); conn != nil {
		conn.Send(frame, nil)
	}
}

// assign picks the instance for slot and joins it.
func (m *Machine) assign(slot *session.Slot) error {
	h := &slot.Handshake
	player := &instance.Player{Name: h.Info.Name, UUID: h.UUID, Info: h.Info}
	if conn := slot.Conn(); conn != nil {
		player.RemoteAddr = conn.RemoteAddr()
	}

	dest := m.policy.Load().Select(slot.Index(), m.Registry.Running())
	joined := dest != nil && dest.Admit(func() {
		dest.Players().Put(slot.Index(), player)
		m.Router.Publish(slot.Index(), dest)
	})
	if !joined {
		m.Logger.Infof("[ADMISSION] no instance available for slot %d (policy %s)", slot.Index(), m.PolicyName())
		return m.reject(slot, m.text(localization.NoWorldAvailable))
	}
	slot.Player = player
	slot.Sections.Reset()
	slot.Assign()
	h.Stage = session.StageAssigned

	dest.Deliver(slot.Index(), h.InfoFrame)
	dest.Deliver(slot.Index(), h.UUIDFrame)
	dest.NotifyJoined(slot.Index())
	dest.AnnounceActive(slot.Index(), true)

	m.Logger.WithFields(logrus.Fields{"slot": slot.Index(), "player": player.Name, "instance": dest.Name()}).
		Info("[ADMISSION] player joined")
	m.Admitted.Invoke(Admitted{Slot: slot, Instance: dest, Player: player})
	return nil
}
