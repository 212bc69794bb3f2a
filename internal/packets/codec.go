package packets

import (
	"encoding/binary"
	"fmt"

	"github.com/dcrodman/multiworld/internal/core/bytes"
)

// Codec describes how one packet type is framed and how to construct its typed value.
type Codec struct {
	Type    Type
	Name    string
	Framing Framing
	// MaxSize is the largest valid frame, header included.
	MaxSize int
	// New returns an empty value for decoding.
	New func() Packet
}

var codecs [256]*Codec

func register(c Codec) {
	if codecs[c.Type] != nil {
		panic(fmt.Sprintf("packets: duplicate registration of type %d", c.Type))
	}
	codecs[c.Type] = &c
}

// Lookup returns the codec for t, if the type is known.
func Lookup(t Type) (*Codec, bool) {
	c := codecs[t]
	return c, c != nil
}

// Name returns a printable name for t.
func Name(t Type) string {
	if c := codecs[t]; c != nil {
		return c.Name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// Peek validates the header of frame and returns its type and declared length.
func Peek(frame []byte) (Type, int, error) {
	if len(frame) < HeaderSize {
		return 0, 0, ErrShortFrame
	}
	size := int(binary.LittleEndian.Uint16(frame))
	if size < HeaderSize {
		return 0, size, ErrShortFrame
	}
	if size != len(frame) {
		return Type(frame[2]), size, ErrLengthMismatch
	}
	return Type(frame[2]), size, nil
}

// Unmarshal decodes frame into p. The whole frame must be consumed unless the
// type's framing allows trailing data.
func Unmarshal(frame []byte, p Packet, dir Direction) error {
	t, size, err := Peek(frame)
	if err != nil {
		return err
	}
	if t != p.Type() {
		return fmt.Errorf("%w: frame is %s, packet is %s", ErrTypeMismatch, Name(t), Name(p.Type()))
	}
	if c, ok := Lookup(t); ok && size > c.MaxSize {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFrameTooLarge, c.Name, size, c.MaxSize)
	}

	r := bytes.NewReader(frame[HeaderSize:])
	if err := p.Decode(r, dir); err != nil {
		return fmt.Errorf("decoding %s: %w", Name(t), err)
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("decoding %s: %w", Name(t), err)
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("decoding %s: %w (%d bytes)", Name(t), ErrTrailingBytes, r.Remaining())
	}
	return nil
}

// Decode constructs the typed value for frame and decodes into it.
func Decode(frame []byte, dir Direction) (Packet, error) {
	t, _, err := Peek(frame)
	if err != nil {
		return nil, err
	}
	c, ok := Lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	p := c.New()
	if err := Unmarshal(frame, p, dir); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes p into a complete frame, filling in the length prefix.
func Marshal(p Packet, dir Direction) ([]byte, error) {
	maxSize := MaxFrameSize
	capacity := 64
	if c, ok := Lookup(p.Type()); ok {
		maxSize = c.MaxSize
		if c.Framing == Fixed {
			capacity = c.MaxSize
		}
	}

	w := bytes.NewWriter(capacity)
	w.Uint16(0)
	w.Byte(byte(p.Type()))
	p.Encode(w, dir)

	if w.Len() > maxSize {
		return nil, fmt.Errorf("%w: %s encoded to %d bytes (max %d)", ErrFrameTooLarge, Name(p.Type()), w.Len(), maxSize)
	}
	w.PutUint16At(0, uint16(w.Len()))
	return w.Bytes(), nil
}

// MustMarshal is Marshal for packets built by the server itself, whose size is
// known to be valid.
func MustMarshal(p Packet, dir Direction) []byte {
	b, err := Marshal(p, dir)
	if err != nil {
		panic(err)
	}
	return b
}
