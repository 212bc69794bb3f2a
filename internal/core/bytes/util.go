// Package bytes contains the bounds-checked primitives used to read and write the
// little endian game wire format.
package bytes

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf8"
)

var (
	ErrShortBuffer  = errors.New("read past end of buffer")
	ErrStringLength = errors.New("invalid string length prefix")
	ErrInvalidUTF8  = errors.New("string is not valid UTF-8")
)

// Reader consumes values from a bounded slice. The first failure is sticky: once
// an error occurs every following read returns a zero value and Err reports it.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Reset points r at a new slice, clearing any previous error.
func (r *Reader) Reset(data []byte) {
	r.data, r.pos, r.err = data, 0, nil
}

// Err returns the first error hit by any read. Reads after an error return zero values.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// Byte reads one byte.
func (r *Reader) Byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Bool reads a byte; anything but zero is true.
func (r *Reader) Bool() bool { return r.Byte() != 0 }

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) Int16() int16 { return int16(r.Uint16()) }

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

// Float32 reads a little-endian IEEE 754 float.
func (r *Reader) Float32() float32 { return math.Float32frombits(r.Uint32()) }

// Bytes returns the next n bytes. The result aliases the underlying buffer.
func (r *Reader) Bytes(n int) []byte { return r.take(n) }

// Rest returns a copy of every unread byte.
func (r *Reader) Rest() []byte {
	rest := r.take(r.Remaining())
	if rest == nil {
		return nil
	}
	return append([]byte(nil), rest...)
}

// uvarint reads a 7-bit encoded length as written by the game client.
func (r *Reader) uvarint() int {
	var value, shift uint
	for i := 0; i < 5; i++ {
		b := r.Byte()
		if r.err != nil {
			return 0
		}
		value |= uint(b&0x7F) << shift
		if b&0x80 == 0 {
			return int(value)
		}
		shift += 7
	}
	r.err = ErrStringLength
	return 0
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	b := r.take(n)
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = ErrInvalidUTF8
		return ""
	}
	return string(b)
}

// Writer appends values in wire order. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with room for capacity bytes before it grows.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns everything written so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Byte writes one byte.
func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

// Bool writes v as a 0 or 1 byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

// Little-endian integer writers.
func (w *Writer) Uint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) Int16(v int16)   { w.Uint16(uint16(v)) }
func (w *Writer) Uint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) Int32(v int32)   { w.Uint32(uint32(v)) }

// Float32 writes v as a little-endian IEEE 754 float.
func (w *Writer) Float32(v float32) { w.Uint32(math.Float32bits(v)) }

// Raw writes b unchanged.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// String writes s with a 7-bit encoded length prefix.
func (w *Writer) String(s string) {
	n := uint(len(s))
	for n >= 0x80 {
		w.Byte(byte(n) | 0x80)
		n >>= 7
	}
	w.Byte(byte(n))
	w.buf = append(w.buf, s...)
}

// PutUint16At overwrites two bytes at offset, used to patch length prefixes.
func (w *Writer) PutUint16At(offset int, v uint16) {
	binary.LittleEndian.PutUint16(w.buf[offset:], v)
}
