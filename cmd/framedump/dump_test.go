package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/dcrodman/multiworld/internal/packets"
)

func TestStream_Feed(t *testing.T) {
	info := packets.MustMarshal(&packets.PlayerInfo{Name: "Red"}, packets.FromClient)
	hello := packets.MustMarshal(&packets.ConnectRequest{Version: "v1"}, packets.FromClient)

	tests := map[string]struct {
		chunks     [][]byte
		wantFrames int
		wantLeft   int
		wantErr    bool
	}{
		"whole frame":     {chunks: [][]byte{info}, wantFrames: 1},
		"split frame":     {chunks: [][]byte{info[:5], info[5:]}, wantFrames: 1},
		"two in one":      {chunks: [][]byte{append(append([]byte(nil), info...), hello...)}, wantFrames: 2},
		"partial header":  {chunks: [][]byte{info[:1]}, wantLeft: 1},
		"partial body":    {chunks: [][]byte{hello[:4]}, wantLeft: 4},
		"bad length":      {chunks: [][]byte{{1, 0, 4}}, wantErr: true},
		"frame then half": {chunks: [][]byte{append(append([]byte(nil), hello...), info[:3]...)}, wantFrames: 1, wantLeft: 3},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := &stream{}
			frames := 0
			var err error
			for _, chunk := range tt.chunks {
				var got [][]byte
				got, err = s.feed(chunk)
				frames += len(got)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("feed() err = %v, wantErr %v", err, tt.wantErr)
			}
			if frames != tt.wantFrames || len(s.buffer) != tt.wantLeft {
				t.Errorf("got %d frames and %d bytes left, want %d and %d", frames, len(s.buffer), tt.wantFrames, tt.wantLeft)
			}
		})
	}
}

type segment struct {
	fromClient bool
	payload    []byte
}

func writeCapture(t *testing.T, segments []segment) *bytes.Buffer {
	t.Helper()
	var capture bytes.Buffer
	w := pcapgo.NewWriter(&capture)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}

	client, server := net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)
	for i, seg := range segments {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: client, DstIP: server}
		tcp := &layers.TCP{SrcPort: 50000, DstPort: 7777, Seq: uint32(i), ACK: true, PSH: true, Window: 1024}
		if !seg.fromClient {
			ip.SrcIP, ip.DstIP = server, client
			tcp.SrcPort, tcp.DstPort = 7777, 50000
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(seg.payload)); err != nil {
			t.Fatal(err)
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(int64(i), 0), CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	return &capture
}

func TestDumper_Run(t *testing.T) {
	info := packets.MustMarshal(&packets.PlayerInfo{PlayerID: 2, Name: "Red"}, packets.FromClient)
	hello := packets.MustMarshal(&packets.ConnectRequest{Version: "v1"}, packets.FromClient)
	slot := packets.MustMarshal(&packets.SetUserSlot{PlayerID: 2}, packets.FromServer)
	opaque := []byte{5, 0, 0x60, 0xAB, 0xCD}

	capture := writeCapture(t, []segment{
		{fromClient: true, payload: hello},
		{fromClient: false, payload: append(append([]byte(nil), slot...), opaque...)},
		{fromClient: true, payload: info[:6]},
		{fromClient: true, payload: info[6:]},
	})

	var out bytes.Buffer
	d := &dumper{Writer: &out, Port: 7777, Decode: true}
	if err := d.Run(capture); err != nil {
		t.Fatal(err)
	}

	if d.frames != 4 {
		t.Errorf("expected 4 frames, got %d", d.frames)
	}
	if d.leftover() != 0 {
		t.Errorf("expected nothing left over, got %d bytes", d.leftover())
	}

	text := out.String()
	for _, want := range []string{
		"ConnectRequest (0x01)",
		`Version: (string) (len=2) "v1"`,
		"SetUserSlot (0x03)",
		"Unknown(96) (0x60) 5 bytes",
		"ab cd",
		"PlayerInfo (0x04)",
		`Name: (string) (len=3) "Red"`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected output to contain %q; got:\n%s", want, text)
		}
	}
}

func TestDumper_IgnoresOtherPorts(t *testing.T) {
	capture := writeCapture(t, []segment{{fromClient: true, payload: []byte{3, 0, 1}}})

	var out bytes.Buffer
	d := &dumper{Writer: &out, Port: 9999}
	if err := d.Run(capture); err != nil {
		t.Fatal(err)
	}
	if d.frames != 0 || out.Len() != 0 {
		t.Errorf("expected nothing to be printed, got %q", out.String())
	}
}
