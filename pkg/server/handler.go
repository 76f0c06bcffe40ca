package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/command"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
)

var errKicked = errors.New("server: kicked by operator")

const namePrompt = "Enter your name: "

// handleConn runs one connection through
// AWAITING_NAME -> ACTIVE -> DISCONNECTING -> CLOSED.
// It is started by spawn, which has already counted it in s.handlers.
func (s *Server) handleConn(conn protocol.Conn) {
	defer s.handlers.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session handler panic", "remote", conn.RemoteAddr(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	remote := conn.RemoteAddr()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	slog.Debug("new connection", "remote", remote)

	ctx, cancel := context.WithCancelCause(s.ctx)
	defer cancel(nil)
	// Cancellation wakes the blocking read directly; there is no polling.
	stop := context.AfterFunc(ctx, func() { _ = conn.Interrupt() })
	defer stop()

	sess, err := s.login(ctx, conn, cancel)
	if err != nil {
		// End-of-stream before a name: the session never existed.
		slog.Debug("login abandoned", "remote", remote, "err", err)
		return
	}

	s.metrics.SuccessfulLogins.Add(1)
	slog.Info("client connected", "user", sess.Name(), "session", sess.ID, "remote", remote)
	s.broadcast.SendExcluding(model.Notice(sess.Name()+" has connected"), s.registry.Snapshot(), sess)
	_ = sess.Send(model.Message{
		Kind: model.KindWelcome,
		Text: fmt.Sprintf("Welcome, %s! Type /help for a list of commands.", sess.Name()),
	})
	// DISCONNECTING runs even if a command panics, so the name is released.
	defer func() {
		notice := sess.Name() + " has disconnected"
		if errors.Is(context.Cause(ctx), errKicked) {
			notice = sess.Name() + " was kicked"
		}
		s.disconnect(sess, notice)
	}()
	s.prompt(sess)

	s.serveSession(ctx, sess)
}

// login loops in AWAITING_NAME until a name is registered or the peer goes away.
// The registry is untouched unless Insert succeeds.
func (s *Server) login(ctx context.Context, conn protocol.Conn, cancel context.CancelCauseFunc) (*Session, error) {
	for {
		if err := s.writeDirect(conn, model.Message{Kind: model.KindPrompt, Text: namePrompt}); err != nil {
			return nil, err
		}
		line, err := conn.ReadLine()
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		name := strings.TrimSpace(line)
		if err := model.ValidateUsername(name); err != nil {
			s.metrics.RejectedNames.Add(1)
			if err := s.writeDirect(conn, model.Message{Kind: model.KindError, Text: "Invalid name: " + err.Error()}); err != nil {
				return nil, err
			}
			continue
		}

		sess, err := s.registry.Insert(name, model.RoleUser, Endpoint{
			Conn:     conn,
			Renderer: s.renderer,
			Outbox:   s.cfg.OutboxSize,
			Cancel:   cancel,
		})
		switch {
		case errors.Is(err, ErrNameTaken):
			s.metrics.RejectedNames.Add(1)
			slog.Debug("name taken", "name", name, "remote", conn.RemoteAddr())
			if err := s.writeDirect(conn, model.Message{
				Kind: model.KindError,
				Text: fmt.Sprintf("The name %q is already taken, please choose another.", name),
			}); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			_ = s.writeDirect(conn, model.Notice("Server is shutting down"))
			return nil, err
		}
		return sess, nil
	}
}

// writeDirect writes to a connection that has no session writer yet.
func (s *Server) writeDirect(conn protocol.Conn, msg model.Message) error {
	_, err := conn.Write([]byte(s.renderer.Render(msg)))
	return err
}

// serveSession is the ACTIVE loop. It returns when the peer disconnects, the
// read fails or is interrupted, the session logs out or ctx is cancelled.
// Lines already buffered when ctx is cancelled are discarded.
func (s *Server) serveSession(ctx context.Context, sess *Session) {
	for {
		line, err := sess.conn.ReadLine()
		if err != nil {
			if !protocol.IsDisconnect(err) {
				slog.Warn("read error", "user", sess.Name(), "session", sess.ID, "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			slog.Debug("input after cancel dropped", "user", sess.Name(), "session", sess.ID, "cause", context.Cause(ctx))
			return
		}
		if s.processLine(sess, line) != command.Continue {
			return
		}
		s.prompt(sess)
	}
}

// processLine routes one input line to the dispatcher or the broadcaster.
func (s *Server) processLine(sess *Session, line string) command.Action {
	parsed := protocol.ParseLine(line)
	if parsed.Command {
		action, err := s.commands.Dispatch(parsed.Token, parsed.Arg, sess)
		switch {
		case errors.Is(err, command.ErrUnknownCommand):
			s.metrics.UnknownCommands.Add(1)
		case errors.Is(err, command.ErrForbidden):
			s.metrics.DeniedCommands.Add(1)
			slog.Info("admin command denied", "user", sess.Name(), "token", parsed.Token)
		case err != nil:
			slog.Error("command failed", "user", sess.Name(), "token", parsed.Token, "err", err)
		default:
			s.metrics.CommandsRun.Add(1)
		}
		return action
	}

	text := model.SanitizeText(parsed.Arg)
	if strings.TrimSpace(text) == "" {
		return command.Continue
	}
	s.broadcast.Send(model.Chat(sess.Name(), sess.Role(), text), s.registry.Snapshot())
	s.metrics.ChatMessagesSent.Add(1)
	return command.Continue
}

func (s *Server) prompt(sess *Session) {
	if s.cfg.Prompt == "" {
		return
	}
	_ = sess.Send(model.Message{Kind: model.KindPrompt, Text: s.cfg.Prompt})
}

// disconnect is DISCONNECTING: unregister, tell the remaining sessions, close the
// output channel and give the writer a bounded time to flush.
func (s *Server) disconnect(sess *Session, notice string) {
	if s.registry.Remove(sess) {
		s.broadcast.SendExcluding(model.Notice(notice), s.registry.Snapshot(), sess)
	}
	sess.close()

	select {
	case <-sess.Flushed():
	case <-time.After(s.cfg.ShutdownTimeout):
		slog.Warn("session writer did not flush in time", "user", sess.Name(), "session", sess.ID)
	}

	s.metrics.TotalDisconnects.Add(1)
	slog.Info("client disconnected", "user", sess.Name(), "session", sess.ID)
}

// serveOperator runs the console session. It starts ACTIVE and is never
// unregistered; it ends when the console closes or the operator shuts down.
func (s *Server) serveOperator() {
	sess := s.operator
	_ = sess.Send(model.Message{
		Kind: model.KindWelcome,
		Text: fmt.Sprintf("Operator console ready as %s. Type /help for a list of commands.", sess.Name()),
	})
	s.prompt(sess)

	for {
		line, err := s.console.ReadLine()
		if err != nil {
			if !s.stopping.IsSet() && !errors.Is(err, errNoConsole) {
				slog.Info("operator console closed", "err", err)
			}
			return
		}
		if s.operatorLine(sess, line) == command.Shutdown {
			return
		}
		s.prompt(sess)
	}
}

// operatorLine processes one console line. A panicking command is logged and
// the console keeps running.
func (s *Server) operatorLine(sess *Session, line string) (action command.Action) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("operator command panic", "line", line, "panic", r, "stack", string(debug.Stack()))
			_ = sess.Send(model.Message{Kind: model.KindError, Text: "Command failed"})
			action = command.Continue
		}
	}()
	return s.processLine(sess, line)
}
