// Package packets defines the framing and the typed representation of the game
// protocol messages the server understands.
//
// Every frame starts with a two byte little endian length that includes the length
// prefix itself, followed by a one byte type discriminator and the type specific
// payload.
package packets

import (
	"errors"
	"fmt"

	"github.com/dcrodman/multiworld/internal/core/bytes"
)

const (
	// HeaderSize is the length prefix plus the discriminator.
	HeaderSize = 3
	// MaxFrameSize is the largest length expressible in the prefix.
	MaxFrameSize = 0xFFFF
)

var (
	ErrShortFrame     = errors.New("frame shorter than header")
	ErrLengthMismatch = errors.New("length prefix does not match frame")
	ErrUnknownType    = errors.New("unknown packet type")
	ErrTypeMismatch   = errors.New("frame type does not match packet")
	ErrTrailingBytes  = errors.New("unexpected trailing bytes")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size for type")
	ErrWrongDirection = errors.New("packet not valid in this direction")
)

// Type is the discriminator that identifies a packet.
type Type uint8

// MaxType is the highest discriminator the protocol defines. Types without a codec
// are still valid; they are relayed without being decoded.
const MaxType Type = 0x93

// Valid reports whether t is a discriminator the protocol defines.
func (t Type) Valid() bool { return t != 0 && t <= MaxType }

// Direction identifies which side of the connection produced a frame. Some packet
// types have different layouts depending on the direction.
type Direction uint8

const (
	FromClient Direction = iota
	FromServer
)

func (d Direction) String() string {
	if d == FromServer {
		return "server"
	}
	return "client"
}

// Framing describes how a type's payload is delimited.
type Framing uint8

const (
	// Fixed payloads always have the same size.
	Fixed Framing = iota
	// Dynamic payloads vary in size up to a known maximum.
	Dynamic
	// LengthAware payloads need the total frame length to decode (trailing data).
	LengthAware
	// SideSpecific payloads have a different layout per Direction.
	SideSpecific
)

func (f Framing) String() string {
	switch f {
	case Fixed:
		return "fixed"
	case Dynamic:
		return "dynamic"
	case LengthAware:
		return "length-aware"
	case SideSpecific:
		return "side-specific"
	}
	return fmt.Sprintf("framing(%d)", uint8(f))
}

// Packet is implemented by the typed representation of every known message.
type Packet interface {
	Type() Type
	// Decode reads the payload (everything after the discriminator).
	Decode(r *bytes.Reader, dir Direction) error
	// Encode appends the payload to w.
	Encode(w *bytes.Writer, dir Direction)
}

// Color is an RGB triple as sent on the wire.
type Color struct {
	R, G, B byte
}

func (c *Color) decode(r *bytes.Reader) {
	c.R, c.G, c.B = r.Byte(), r.Byte(), r.Byte()
}

func (c Color) encode(w *bytes.Writer) {
	w.Byte(c.R)
	w.Byte(c.G)
	w.Byte(c.B)
}

// TextMode selects how the client renders a NetworkText.
type TextMode byte

const (
	TextLiteral TextMode = iota
	TextFormattable
	TextLocalizationKey
)

// maxTextDepth bounds NetworkText substitution nesting.
const maxTextDepth = 4

var errTextTooDeep = errors.New("network text nested too deeply")

// NetworkText is a piece of text that the client may localize or format before
// displaying it.
type NetworkText struct {
	Mode          TextMode
	Text          string
	Substitutions []NetworkText
}

// Literal returns a NetworkText displayed as-is.
func Literal(s string) NetworkText {
	return NetworkText{Mode: TextLiteral, Text: s}
}

func (t *NetworkText) decode(r *bytes.Reader, depth int) error {
	if depth > maxTextDepth {
		return errTextTooDeep
	}
	t.Mode = TextMode(r.Byte())
	t.Text = r.String()
	t.Substitutions = nil
	if t.Mode == TextLiteral {
		return r.Err()
	}
	n := int(r.Byte())
	if r.Err() != nil {
		return r.Err()
	}
	t.Substitutions = make([]NetworkText, n)
	for i := range t.Substitutions {
		if err := t.Substitutions[i].decode(r, depth+1); err != nil {
			return err
		}
	}
	return r.Err()
}

func (t *NetworkText) encode(w *bytes.Writer) {
	w.Byte(byte(t.Mode))
	w.String(t.Text)
	if t.Mode == TextLiteral {
		return
	}
	w.Byte(byte(len(t.Substitutions)))
	for i := range t.Substitutions {
		t.Substitutions[i].encode(w)
	}
}

// String flattens the text, ignoring substitutions.
func (t NetworkText) String() string { return t.Text }
