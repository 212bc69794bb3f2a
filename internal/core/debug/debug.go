// Package debug holds the diagnostics that can be switched on from the debugging
// section of the config.
package debug

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"

	"github.com/sirupsen/logrus"
)

// StartPprofServer starts the default pprof HTTP server on localhost:port so that
// runtime information about the server can be pulled while it runs.
// See https://golang.org/pkg/net/http/pprof/
func StartPprofServer(logger *logrus.Logger, port int) (*http.Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, fmt.Errorf("starting pprof server: %w", err)
	}
	logger.Infof("starting pprof server on %s", listener.Addr())

	server := &http.Server{Handler: http.DefaultServeMux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("pprof server stopped: %v", err)
		}
	}()
	return server, nil
}
