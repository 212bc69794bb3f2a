// Package dispatch runs the per packet type handler chains that sit between a
// connection and the instance it is routed to.
//
// Handlers are registered per (direction, type) and receive an Envelope holding the
// decoded packet. Frames of a type nobody handles are never decoded and are
// forwarded as is.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/multiworld/internal/event"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/packets"
)

// ErrDecode wraps failures to decode a frame that has handlers. Only the frame is
// lost; the connection is left alone.
var ErrDecode = errors.New("failed to decode frame")

// ViolationError is a protocol violation. The sender should be kicked with Reason.
type ViolationError struct {
	Slot   int
	Reason string
	Err    error
}

func (e *ViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation from slot %d: %s: %v", e.Slot, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation from slot %d: %s", e.Slot, e.Reason)
}

func (e *ViolationError) Unwrap() error { return e.Err }

// Decision is an Authorizer's answer.
type Decision struct {
	Allowed bool
	// Message is shown to the sender when the frame was denied.
	Message string
}

// Request identifies what an Authorizer is asked to allow.
type Request struct {
	Slot     int
	Instance *instance.Instance
	Type     packets.Type
}

// Authorizer decides whether a client may send a guarded packet type.
type Authorizer interface {
	Authorize(req Request) Decision
}

// Result is what to do with a dispatched frame.
type Result struct {
	Verdict Verdict
	Type    packets.Type
	// Frame is the frame to forward: the input on Pass, the re-encoded packet on
	// Overwrite and nil on Cancel.
	Frame []byte
	// Message is set when an Authorizer denied the frame.
	Message string
}

func passResult(t packets.Type, frame []byte) Result {
	return Result{Verdict: Pass, Type: t, Frame: frame}
}

func cancelResult(t packets.Type) Result {
	return Result{Verdict: Cancel, Type: t}
}

// input is the frame being dispatched plus who sent it and where it's going.
type input struct {
	frame    []byte
	t        packets.Type
	slot     int
	inst     *instance.Instance
	dir      packets.Direction
	traceOut func(packets.Packet)
}

type runner interface {
	len() int
	run(in *input) (Result, error)
}

type runnerBox struct{ r runner }

type packetPtr[T any] interface {
	*T
	packets.Packet
}

// typedChain is the handler chain for one packet type. The packet is decoded into
// a value owned by the call.
type typedChain[T any, P packetPtr[T]] struct {
	ev event.Event[*Envelope[P]]
}

func (c *typedChain[T, P]) len() int { return c.ev.Len() }

func (c *typedChain[T, P]) run(in *input) (Result, error) {
	var pkt T
	p := P(&pkt)
	if err := packets.Unmarshal(in.frame, p, in.dir); err != nil {
		return cancelResult(in.t), fmt.Errorf("%w: %s from slot %d: %v", ErrDecode, packets.Name(in.t), in.slot, err)
	}
	if in.traceOut != nil {
		in.traceOut(p)
	}

	env := Envelope[P]{Packet: p, Raw: in.frame, Slot: in.slot, Instance: in.inst, Direction: in.dir}
	c.ev.Invoke(&env)

	switch env.verdict() {
	case Cancel:
		return cancelResult(in.t), nil
	case Overwrite:
		frame, err := packets.Marshal(p, in.dir)
		if err != nil {
			return cancelResult(in.t), fmt.Errorf("re-encoding %s: %w", packets.Name(in.t), err)
		}
		return Result{Verdict: Overwrite, Type: in.t, Frame: frame}, nil
	}
	return passResult(in.t, in.frame), nil
}

// Dispatcher holds the handler chains for both directions.
type Dispatcher struct {
	Logger *logrus.Logger

	mu     sync.Mutex
	chains [2][256]atomic.Pointer[runnerBox]

	strict  atomic.Bool
	trace   atomic.Bool
	auth    atomic.Pointer[Authorizer]
	guarded [256]atomic.Bool
}

// New returns a Dispatcher with no handlers.
func New(logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{Logger: logger}
}

// SetStrict controls what happens to frames with an undefined type: dropped
// quietly when false, treated as a protocol violation when true.
func (d *Dispatcher) SetStrict(strict bool) { d.strict.Store(strict) }

// Strict reports whether unknown packet types are violations.
func (d *Dispatcher) Strict() bool { return d.strict.Load() }

// SetTrace enables debug logging of every dispatched frame.
func (d *Dispatcher) SetTrace(trace bool) { d.trace.Store(trace) }

// SetAuthorizer installs a to be consulted for client frames of the given types,
// replacing any previous Authorizer and guarded set. A nil a disables checks.
func (d *Dispatcher) SetAuthorizer(a Authorizer, guarded ...packets.Type) {
	for i := range d.guarded {
		d.guarded[i].Store(false)
	}
	if a == nil {
		d.auth.Store(nil)
		return
	}
	for _, t := range guarded {
		d.guarded[t].Store(true)
	}
	d.auth.Store(&a)
}

func (d *Dispatcher) runner(dir packets.Direction, t packets.Type) runner {
	if int(dir) >= len(d.chains) {
		return nil
	}
	if b := d.chains[dir][t].Load(); b != nil && b.r.len() > 0 {
		return b.r
	}
	return nil
}

// HasHandlers reports whether any handler is registered for (dir, t).
func (d *Dispatcher) HasHandlers(dir packets.Direction, t packets.Type) bool {
	return d.runner(dir, t) != nil
}

// chainFor returns the chain for P's type, creating it if needed.
func chainFor[T any, P packetPtr[T]](d *Dispatcher, dir packets.Direction) *typedChain[T, P] {
	var zero T
	t := P(&zero).Type()

	slot := &d.chains[dir][t]
	if b := slot.Load(); b != nil {
		return b.r.(*typedChain[T, P])
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b := slot.Load(); b != nil {
		return b.r.(*typedChain[T, P])
	}
	c := &typedChain[T, P]{}
	slot.Store(&runnerBox{r: c})
	return c
}

// Option adjusts a registration.
type Option func(*options)

type options struct {
	instance string
}

// ForInstance limits a handler to frames routed to the named instance.
func ForInstance(name string) Option {
	return func(o *options) { o.instance = name }
}

// Register adds l to the chain for P's packet type in direction dir. Registering the
// same listener twice is a no-op and returns false.
func Register[T any, P packetPtr[T]](d *Dispatcher, dir packets.Direction, l *event.Listener[*Envelope[P]], priority int, opts ...Option) bool {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := chainFor[T, P](d, dir)
	if o.instance == "" {
		return c.ev.Register(l, priority)
	}
	name := o.instance
	return c.ev.RegisterFiltered(l, priority, func(e *Envelope[P]) bool {
		return e.Instance != nil && strings.EqualFold(e.Instance.Name(), name)
	})
}

// Unregister removes l from the chain for P's packet type in direction dir. It
// returns false if l wasn't registered.
func Unregister[T any, P packetPtr[T]](d *Dispatcher, dir packets.Direction, l *event.Listener[*Envelope[P]]) bool {
	return chainFor[T, P](d, dir).ev.Unregister(l)
}

// Handle registers fn and returns its listener, for use with Unregister.
func Handle[T any, P packetPtr[T]](d *Dispatcher, dir packets.Direction, priority int, fn func(*Envelope[P]), opts ...Option) *event.Listener[*Envelope[P]] {
	l := event.Listen(fn)
	Register[T, P](d, dir, l, priority, opts...)
	return l
}

// Dispatch runs the chain for frame's type. frame must be one complete frame; slot
// and inst identify the connection and the instance it is routed to (inst may be
// nil before assignment).
//
// A *ViolationError means the sender should be disconnected. An error wrapping
// ErrDecode means only this frame was dropped.
func (d *Dispatcher) Dispatch(frame []byte, slot int, inst *instance.Instance, dir packets.Direction) (Result, error) {
	t, _, err := packets.Peek(frame)
	if err != nil {
		return cancelResult(t), &ViolationError{Slot: slot, Reason: "malformed frame", Err: err}
	}

	if !t.Valid() {
		if d.strict.Load() {
			return cancelResult(t), &ViolationError{Slot: slot, Reason: fmt.Sprintf("unknown packet type %d", uint8(t)),
				Err: packets.ErrUnknownType}
		}
		return cancelResult(t), nil
	}

	if dir == packets.FromClient && d.guarded[t].Load() {
		if a := d.auth.Load(); a != nil {
			decision := (*a).Authorize(Request{Slot: slot, Instance: inst, Type: t})
			if !decision.Allowed {
				if d.trace.Load() {
					d.traceFrame("denied", frame, t, slot, dir)
				}
				return Result{Verdict: Cancel, Type: t, Message: decision.Message}, nil
			}
		}
	}

	r := d.runner(dir, t)
	if r == nil {
		if d.trace.Load() {
			d.traceFrame("relay", frame, t, slot, dir)
		}
		return passResult(t, frame), nil
	}

	in := input{frame: frame, t: t, slot: slot, inst: inst, dir: dir}
	if d.trace.Load() && d.Logger != nil {
		in.traceOut = func(p packets.Packet) {
			d.Logger.WithFields(logrus.Fields{"slot": slot, "type": packets.Name(t), "direction": dir}).
				Debugf("[DISPATCH] decoded %d bytes\n%s", len(frame), spew.Sdump(p))
		}
	}
	return r.run(&in)
}

func (d *Dispatcher) traceFrame(what string, frame []byte, t packets.Type, slot int, dir packets.Direction) {
	if d.Logger == nil {
		return
	}
	d.Logger.WithFields(logrus.Fields{"slot": slot, "type": packets.Name(t), "direction": dir}).
		Debugf("[DISPATCH] %s %d bytes", what, len(frame))
}
