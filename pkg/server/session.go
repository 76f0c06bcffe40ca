package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
	"github.com/NicolasHaas/gotalk/pkg/style"

	"github.com/google/uuid"
)

var (
	ErrSessionClosed = errors.New("server: session closed")
	ErrOutboxFull    = errors.New("server: session outbox full")
)

// Endpoint is what a session needs from its connection to receive output.
type Endpoint struct {
	Conn     protocol.Conn
	Renderer *style.Renderer
	Outbox   int                     // output channel buffer; <= 0 uses DefaultOutboxSize
	Cancel   context.CancelCauseFunc // cancels the owning handler; nil for the operator
}

// DefaultOutboxSize is used when an Endpoint does not set one.
const DefaultOutboxSize = 64

// Session is one active participant. Name and role never change after creation.
//
// The outbox is the session's output channel: Send enqueues, a single writer
// goroutine renders and writes to the connection. Once closed, Send fails with
// ErrSessionClosed, so nothing is delivered after teardown.
type Session struct {
	ID       string
	name     string
	role     model.Role
	conn     protocol.Conn
	renderer *style.Renderer
	cancel   context.CancelCauseFunc

	mu      sync.Mutex
	closed  bool
	outbox  chan model.Message
	flushed chan struct{}
}

func newSession(name string, role model.Role, ep Endpoint) *Session {
	size := ep.Outbox
	if size <= 0 {
		size = DefaultOutboxSize
	}
	r := ep.Renderer
	if r == nil {
		r = style.NewRenderer(false)
	}
	s := &Session{
		ID:       uuid.NewString(),
		name:     name,
		role:     role,
		conn:     ep.Conn,
		renderer: r,
		cancel:   ep.Cancel,
		outbox:   make(chan model.Message, size),
		flushed:  make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Name returns the display name.
func (s *Session) Name() string { return s.name }

// Role returns the session's role.
func (s *Session) Role() model.Role { return s.role }

// RemoteAddr returns the peer address of the underlying connection.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// Send enqueues msg without blocking.
func (s *Session) Send(msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.outbox <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

// close stops accepting output. Messages already queued are still written.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
}

// Closed reports whether the output channel has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Flushed is closed once the writer has drained the outbox after close.
func (s *Session) Flushed() <-chan struct{} { return s.flushed }

// kick cancels the session's handler with cause.
func (s *Session) kick(cause error) bool {
	if s.cancel == nil {
		return false
	}
	s.cancel(cause)
	return true
}

func (s *Session) writeLoop() {
	defer close(s.flushed)
	broken := false
	for msg := range s.outbox {
		if broken {
			continue
		}
		if _, err := s.conn.Write([]byte(s.renderer.Render(msg))); err != nil {
			// Keep draining so Send never blocks on a dead peer.
			broken = true
			if !protocol.IsDisconnect(err) {
				slog.Debug("session write failed", "user", s.name, "session", s.ID, "err", err)
			}
		}
	}
}
