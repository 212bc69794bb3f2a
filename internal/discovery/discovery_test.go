package discovery

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func TestDecode(t *testing.T) {
	a := Announcement{Port: 7777, World: "Alpha", Host: "box", Players: 3, MaxPlayers: 255}

	tests := map[string]struct {
		data    []byte
		want    Announcement
		wantErr bool
	}{
		"round trip": {data: a.Encode(), want: a},
		"bad magic":  {data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, wantErr: true},
		"truncated":  {data: a.Encode()[:9], wantErr: true},
		"empty":      {data: nil, wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() err = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() diff:\n%s", diff)
			}
		})
	}
}

func TestBroadcaster_Run(t *testing.T) {
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var players atomic.Int32
	b := &Broadcaster{
		Logger:   logger,
		Port:     listener.LocalAddr().(*net.UDPAddr).Port,
		Interval: 10 * time.Millisecond,
		Target:   "127.0.0.1",
		Source: func() Announcement {
			return Announcement{Port: 7777, World: "Alpha", Host: "box", Players: int(players.Load()), MaxPlayers: 8}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	read := func() Announcement {
		t.Helper()
		buf := make([]byte, 512)
		_ = listener.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, _, err := listener.ReadFromUDP(buf)
		if err != nil {
			t.Fatal(err)
		}
		a, err := Decode(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		return a
	}

	first := read()
	if diff := cmp.Diff(Announcement{Port: 7777, World: "Alpha", Host: "box", MaxPlayers: 8}, first); diff != "" {
		t.Errorf("unexpected announcement; diff:\n%s", diff)
	}

	// Later announcements pick up the new player count.
	players.Store(2)
	deadline := time.Now().Add(5 * time.Second)
	for read().Players != 2 {
		if time.Now().After(deadline) {
			t.Fatal("announcement never reflected the player count")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() returned %v", err)
	}
}
