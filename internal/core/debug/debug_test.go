package debug

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestStartPprofServer(t *testing.T) {
	// Find a free port, then hand it to the server.
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	server, err := StartPprofServer(logger, port)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Shutdown(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/debug/pprof/", port))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if _, err := StartPprofServer(logger, port); err == nil {
		t.Error("expected the second server to fail to bind")
	}
}
