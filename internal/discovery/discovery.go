// Package discovery advertises the server on the local network so clients can list
// it without being told the address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/multiworld/internal/core/bytes"
)

const (
	// Magic opens every announcement.
	Magic int32 = 1010

	DefaultPort     = 8888
	DefaultInterval = 5 * time.Second
	BroadcastTarget = "255.255.255.255"
)

var ErrBadMagic = errors.New("not a server announcement")

// Announcement is the payload of one broadcast.
type Announcement struct {
	Port       int
	World      string
	Host       string
	Players    int
	MaxPlayers int
}

// Encode returns the wire form of a.
func (a Announcement) Encode() []byte {
	w := bytes.NewWriter(32 + len(a.World) + len(a.Host))
	w.Int32(Magic)
	w.Int32(int32(a.Port))
	w.String(a.World)
	w.String(a.Host)
	w.Uint16(uint16(a.Players))
	w.Uint16(uint16(a.MaxPlayers))
	return w.Bytes()
}

// Decode parses a datagram produced by Encode.
func Decode(data []byte) (Announcement, error) {
	r := bytes.NewReader(data)
	if r.Int32() != Magic {
		return Announcement{}, ErrBadMagic
	}
	a := Announcement{
		Port:  int(r.Int32()),
		World: r.String(),
		Host:  r.String(),
	}
	a.Players = int(r.Uint16())
	a.MaxPlayers = int(r.Uint16())
	if err := r.Err(); err != nil {
		return Announcement{}, fmt.Errorf("decoding announcement: %w", err)
	}
	return a, nil
}

// Broadcaster periodically sends the Announcement returned by Source.
type Broadcaster struct {
	Logger   *logrus.Logger
	Port     int
	Interval time.Duration
	// Target is the destination address, the limited broadcast address if empty.
	Target string
	Source func() Announcement
}

// Run broadcasts until ctx is done. Failing to send is logged and retried on the
// next interval; only failing to open the socket is returned.
func (b *Broadcaster) Run(ctx context.Context) error {
	port, interval, target := b.Port, b.Interval, b.Target
	if port <= 0 {
		port = DefaultPort
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if target == "" {
		target = BroadcastTarget
	}

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(target, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolving discovery address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("opening discovery socket: %w", err)
	}
	defer conn.Close()

	b.Logger.Infof("[DISCOVERY] broadcasting to %s every %s", addr, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteToUDP(b.Source().Encode(), addr); err != nil {
			b.Logger.Warnf("[DISCOVERY] failed to send announcement: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
