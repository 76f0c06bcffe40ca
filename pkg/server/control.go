package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/protocol"
)

// Listen binds the chat port and, when configured, the HTTP side. Any bind
// failure is returned before a single handler exists.
//
// Backlog is recorded for logging only: Go's listener uses the kernel's
// somaxconn and does not expose listen(2)'s backlog argument.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	var httpLn net.Listener
	if s.cfg.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: listen http %s: %w", s.cfg.HTTPAddr, err)
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.httpLn = httpLn
	s.mu.Unlock()

	slog.Info("chat listening", "addr", ln.Addr().String(), "backlog", s.cfg.Backlog)
	if httpLn != nil {
		slog.Info("http listening", "addr", httpLn.Addr().String(), "websocket", s.cfg.WebSocketPath)
	}
	return nil
}

// Serve accepts connections on ln until the acceptor is stopped by shutdown.
// Each connection gets its own handler goroutine; the loop never waits on
// session work. A failed Accept is logged and retried with a short backoff.
func (s *Server) Serve(ln net.Listener) error {
	if !s.addListener(ln) {
		_ = ln.Close()
		return nil
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.acceptorStopped() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: listener closed: %w", err)
			}
			delay = nextBackoff(delay)
			slog.Error("accept error", "err", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.spawn(protocol.NewStreamConn(conn))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// serveHTTP runs the HTTP side on the listener bound by Listen.
func (s *Server) serveHTTP() error {
	s.mu.Lock()
	ln := s.httpLn
	if ln == nil || s.closed {
		s.mu.Unlock()
		return nil
	}
	srv := s.newHTTPServer()
	s.httpSrv = srv
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if s.acceptorStopped() {
			return nil
		}
		return fmt.Errorf("server: http: %w", err)
	}
	return nil
}

func (s *Server) addListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

func (s *Server) acceptorStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stopAcceptors closes every listener and the HTTP side. After it returns no
// new handler can start, so waiting on s.handlers is race-free.
func (s *Server) stopAcceptors() {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	if s.listener != nil && !containsListener(listeners, s.listener) {
		listeners = append(listeners, s.listener)
	}
	httpLn, httpSrv := s.httpLn, s.httpSrv
	s.mu.Unlock()

	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("close listener", "addr", ln.Addr().String(), "err", err)
		}
	}
	if httpSrv != nil {
		_ = httpSrv.Close()
	} else if httpLn != nil {
		_ = httpLn.Close()
	}
}

func containsListener(list []net.Listener, ln net.Listener) bool {
	for _, l := range list {
		if l == ln {
			return true
		}
	}
	return false
}

// spawn starts a handler for conn unless the acceptors are already stopped.
func (s *Server) spawn(conn protocol.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	go s.handleConn(conn)
}

func (s *Server) track(conn protocol.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn protocol.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// forceClose closes every connection whose handler is still running.
func (s *Server) forceClose() int {
	s.mu.Lock()
	conns := make([]protocol.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
