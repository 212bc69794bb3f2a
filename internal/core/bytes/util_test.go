package bytes

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriter_String(t *testing.T) {
	tests := []struct {
		name string
		str  string
		want []byte
	}{
		{
			name: "empty string",
			str:  "",
			want: []byte{0},
		},
		{
			name: "arbitrary text",
			str:  "Terraria",
			want: []byte{8, 'T', 'e', 'r', 'r', 'a', 'r', 'i', 'a'},
		},
		{
			name: "multi-byte length prefix",
			str:  strings.Repeat("a", 200),
			want: append([]byte{0xC8, 0x01}, []byte(strings.Repeat("a", 200))...),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w Writer
			w.String(tt.str)
			if diff := cmp.Diff(tt.want, w.Bytes()); diff != "" {
				t.Errorf("String() wrote unexpected bytes; diff:\n%s", diff)
			}

			r := NewReader(w.Bytes())
			if got := r.String(); got != tt.str || r.Err() != nil {
				t.Errorf("String() read back %q (err = %v), want %q", got, r.Err(), tt.str)
			}
		})
	}
}

func TestReader_BoundsChecks(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		read    func(r *Reader)
		wantErr error
	}{
		{
			name:    "uint32 from two bytes",
			data:    []byte{1, 2},
			read:    func(r *Reader) { r.Uint32() },
			wantErr: ErrShortBuffer,
		},
		{
			name:    "string longer than the buffer",
			data:    []byte{10, 'a', 'b'},
			read:    func(r *Reader) { _ = r.String() },
			wantErr: ErrShortBuffer,
		},
		{
			name:    "runaway length prefix",
			data:    []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01},
			read:    func(r *Reader) { _ = r.String() },
			wantErr: ErrStringLength,
		},
		{
			name:    "invalid utf-8",
			data:    []byte{2, 0xC3, 0x28},
			read:    func(r *Reader) { _ = r.String() },
			wantErr: ErrInvalidUTF8,
		},
		{
			name: "exact read",
			data: []byte{1, 0, 2, 0},
			read: func(r *Reader) { r.Uint16(); r.Int16() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			tt.read(r)
			if !errors.Is(r.Err(), tt.wantErr) {
				t.Errorf("Err() = %v, want %v", r.Err(), tt.wantErr)
			}
		})
	}
}

func TestReader_ErrorIsSticky(t *testing.T) {
	r := NewReader([]byte{1})
	r.Uint16()
	if got := r.Byte(); got != 0 {
		t.Errorf("expected zero value after failure, got %d", got)
	}
	if !errors.Is(r.Err(), ErrShortBuffer) {
		t.Errorf("expected ErrShortBuffer, got %v", r.Err())
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(16)
	w.Byte(7)
	w.Bool(true)
	w.Int16(-2)
	w.Int32(-100000)
	w.Float32(1.5)
	w.Raw([]byte{9, 9})

	r := NewReader(w.Bytes())
	if r.Byte() != 7 || !r.Bool() || r.Int16() != -2 || r.Int32() != -100000 || r.Float32() != 1.5 {
		t.Fatalf("values did not survive the round trip")
	}
	if diff := cmp.Diff([]byte{9, 9}, r.Rest()); diff != "" {
		t.Errorf("Rest() returned unexpected bytes; diff:\n%s", diff)
	}
	if r.Remaining() != 0 || r.Err() != nil {
		t.Errorf("expected fully consumed reader, remaining=%d err=%v", r.Remaining(), r.Err())
	}
}

func TestWriter_PutUint16At(t *testing.T) {
	var w Writer
	w.Uint16(0)
	w.Byte(0xAA)
	w.PutUint16At(0, uint16(w.Len()))
	if diff := cmp.Diff([]byte{3, 0, 0xAA}, w.Bytes()); diff != "" {
		t.Errorf("length patch failed; diff:\n%s", diff)
	}
}
