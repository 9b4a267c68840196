package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Start listens on apiAddr and, when terminalAddr is not empty and a
// terminal hub is configured, on terminalAddr. Listeners are created
// before Start returns so port conflicts are reported immediately.
func (s *Server) Start(apiAddr, terminalAddr string) error {
	apiLn, err := net.Listen("tcp", apiAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", apiAddr, err)
	}

	var termLn net.Listener
	if terminalAddr != "" && s.opts.Terminals != nil {
		termLn, err = net.Listen("tcp", terminalAddr)
		if err != nil {
			apiLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", terminalAddr, err)
		}
	}

	s.mu.Lock()
	s.apiServer = &http.Server{Handler: s.APIHandler(), ReadHeaderTimeout: 10 * time.Second}
	s.apiAddr = apiLn.Addr().String()
	if termLn != nil {
		s.termServer = &http.Server{Handler: s.TerminalHandler(), ReadHeaderTimeout: 10 * time.Second}
		s.termAddr = termLn.Addr().String()
	}
	apiServer, termServer := s.apiServer, s.termServer
	s.mu.Unlock()

	go s.serve(apiServer, apiLn, "Control API")
	s.log.WithField("addr", apiLn.Addr().String()).Info("Control API listening")
	if termLn != nil {
		go s.serve(termServer, termLn, "Terminal channel")
		s.log.WithField("addr", termLn.Addr().String()).Info("Terminal channel listening")
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.WithError(err).Errorf("%s server error", name)
	}
}

// Shutdown ends every event stream and stops both listeners. Terminal
// viewers are closed by the hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	apiServer, termServer := s.apiServer, s.termServer
	s.mu.Unlock()

	// Ending the provider releases every stream handler, which lets the
	// HTTP shutdown below finish.
	if err := s.provider.Shutdown(ctx); err != nil {
		s.log.WithError(err).Debug("Event stream shutdown")
	}

	var firstErr error
	if apiServer != nil {
		if err := apiServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if termServer != nil {
		if err := termServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.log.Info("Server stopped")
	return firstErr
}
