package dispatch

import (
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/packets"
)

// Verdict is the outcome of running a handler chain over one frame.
type Verdict uint8

const (
	// Pass forwards the original bytes.
	Pass Verdict = iota
	// Cancel drops the frame.
	Cancel
	// Overwrite forwards the re-encoded packet instead of the original bytes.
	Overwrite
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Cancel:
		return "cancel"
	case Overwrite:
		return "overwrite"
	}
	return "invalid"
}

// Envelope is the view of one frame handed to its handlers. It is only valid for
// the duration of the Dispatch call that created it; handlers must not keep it,
// its Packet or its Raw bytes.
type Envelope[P packets.Packet] struct {
	// Packet is the decoded value. Handlers that modify it must call MarkModified.
	Packet P
	// Raw is the frame as received.
	Raw []byte

	Slot      int
	Instance  *instance.Instance
	Direction packets.Direction

	cancelled bool
	modified  bool
	stopped   bool
}

// Cancel drops the frame. It takes precedence over MarkModified.
func (e *Envelope[P]) Cancel() { e.cancelled = true }

// MarkModified causes the frame to be re-encoded from Packet.
func (e *Envelope[P]) MarkModified() { e.modified = true }

// StopChain skips every handler after the current one.
func (e *Envelope[P]) StopChain() { e.stopped = true }

// Cancelled reports whether a handler called Cancel.
func (e *Envelope[P]) Cancelled() bool { return e.cancelled }

// Modified reports whether a handler called MarkModified.
func (e *Envelope[P]) Modified() bool { return e.modified }

// Handled reports whether the chain was stopped.
func (e *Envelope[P]) Handled() bool { return e.stopped }

func (e *Envelope[P]) verdict() Verdict {
	switch {
	case e.cancelled:
		return Cancel
	case e.modified:
		return Overwrite
	}
	return Pass
}
