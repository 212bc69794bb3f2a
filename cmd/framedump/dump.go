package main

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/dcrodman/multiworld/internal/packets"
)

// stream accumulates one direction of a TCP connection until whole frames are
// available.
type stream struct {
	buffer []byte
}

// feed appends data and returns every complete frame now in the buffer. A length
// prefix smaller than a header can never be resynchronised, so the rest of the
// stream is reported as an error and discarded.
func (s *stream) feed(data []byte) ([][]byte, error) {
	s.buffer = append(s.buffer, data...)

	var frames [][]byte
	for len(s.buffer) >= 2 {
		size := int(binary.LittleEndian.Uint16(s.buffer))
		if size < packets.HeaderSize {
			s.buffer = nil
			return frames, fmt.Errorf("bad frame length %d", size)
		}
		if len(s.buffer) < size {
			break
		}
		frames = append(frames, s.buffer[:size:size])
		s.buffer = s.buffer[size:]
	}
	return frames, nil
}

type dumper struct {
	Writer   io.Writer
	Port     uint16
	Decode   bool
	Truncate int

	streams map[string]*stream
	frames  int
}

// Run reads a pcap capture from r and prints every frame exchanged with Port.
func (d *dumper) Run(r io.Reader) error {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return err
	}
	d.streams = make(map[string]*stream)

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	for {
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		d.handlePacket(packet)
	}
}

func (d *dumper) handlePacket(packet gopacket.Packet) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil || packet.NetworkLayer() == nil {
		return
	}
	tcp := tcpLayer.(*layers.TCP)
	if len(tcp.Payload) == 0 {
		return
	}

	var dir packets.Direction
	switch {
	case uint16(tcp.DstPort) == d.Port:
		dir = packets.FromClient
	case uint16(tcp.SrcPort) == d.Port:
		dir = packets.FromServer
	default:
		return
	}

	network := packet.NetworkLayer().NetworkFlow()
	key := fmt.Sprintf("%v:%d->%v:%d", network.Src(), tcp.SrcPort, network.Dst(), tcp.DstPort)
	s, ok := d.streams[key]
	if !ok {
		s = &stream{}
		d.streams[key] = s
	}

	frames, err := s.feed(tcp.Payload)
	for _, frame := range frames {
		d.printFrame(key, dir, frame)
	}
	if err != nil {
		fmt.Fprintf(d.Writer, "[%s] %v, dropping the rest of the stream\n", key, err)
	}
}

func (d *dumper) printFrame(key string, dir packets.Direction, frame []byte) {
	d.frames++
	t := packets.Type(frame[2])
	fmt.Fprintf(d.Writer, "[%s] %s %s (0x%02X) %d bytes\n", key, dir, packets.Name(t), uint8(t), len(frame))

	if d.Decode {
		if p, err := packets.Decode(frame, dir); err == nil {
			fmt.Fprint(d.Writer, spew.Sdump(p))
			return
		} else if !errors.Is(err, packets.ErrUnknownType) {
			fmt.Fprintf(d.Writer, "  decode failed: %v\n", err)
		}
	}

	raw := frame
	if d.Truncate > 0 && len(raw) > d.Truncate {
		raw = raw[:d.Truncate]
	}
	fmt.Fprint(d.Writer, hex.Dump(raw))
}

// leftover is the number of buffered bytes that never formed a whole frame.
func (d *dumper) leftover() int {
	n := 0
	for _, s := range d.streams {
		n += len(s.buffer)
	}
	return n
}
