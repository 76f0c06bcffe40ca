package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/NicolasHaas/gotalk/pkg/command"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/rbac"
)

// builtinCommands is the default command table. Order matters for prefix
// resolution: "/h" is help, "/q" quit, "/w" who.
func (s *Server) builtinCommands() []command.Command {
	return []command.Command{
		{Name: "help", Help: "/help [command] - list commands or describe one", Run: s.cmdHelp},
		{Name: "quit", Help: "/quit - leave the chat (operator: shut the server down)", Run: s.cmdQuit},
		{Name: "who", Help: "/who - list connected users", Run: s.cmdWho},
		{Name: "me", Help: "/me <action> - tell everyone what you are doing", Run: s.cmdMe},
		{Name: "kick", AdminOnly: true, Help: "/kick <name> - disconnect a user", Run: s.cmdKick},
		{Name: "stats", AdminOnly: true, Help: "/stats - show server metrics", Run: s.cmdStats},
	}
}

func (s *Server) cmdHelp(arg string, c command.Caller) command.Action {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "/")
	if arg == "" {
		var b strings.Builder
		b.WriteString("Available commands:")
		for _, cmd := range s.commands.Visible(c.Role()) {
			b.WriteString("\n\t")
			b.WriteString(cmd.Help)
		}
		_ = c.Send(model.Reply(b.String()))
		return command.Continue
	}

	cmd, ok := s.commands.Resolve(arg)
	if !ok || (cmd.AdminOnly && !rbac.HasPermission(c.Role(), model.PermAdminCommands)) {
		_ = c.Send(command.NotRecognized(arg))
		return command.Continue
	}
	_ = c.Send(model.Reply(cmd.Help))
	return command.Continue
}

// cmdWho replies with every active name, each preceded by a tab.
func (s *Server) cmdWho(_ string, c command.Caller) command.Action {
	names := s.registry.Names()
	_ = c.Send(model.Reply("\t" + strings.Join(names, "\t")))
	return command.Continue
}

func (s *Server) cmdQuit(_ string, c command.Caller) command.Action {
	if rbac.HasPermission(c.Role(), model.PermShutdown) {
		slog.Info("shutdown requested", "by", c.Name())
		s.Shutdown("Server is shutting down. Goodbye!")
		return command.Shutdown
	}
	_ = c.Send(model.Reply("Goodbye!"))
	return command.Logout
}

func (s *Server) cmdMe(arg string, c command.Caller) command.Action {
	text := strings.TrimSpace(model.SanitizeText(arg))
	if text == "" {
		_ = c.Send(model.Message{Kind: model.KindError, Text: "Usage: /me <action>"})
		return command.Continue
	}
	s.broadcast.Send(model.Message{
		Kind:   model.KindAction,
		Author: c.Name(),
		Role:   c.Role(),
		Text:   text,
	}, s.registry.Snapshot())
	s.metrics.ChatMessagesSent.Add(1)
	return command.Continue
}

func (s *Server) cmdKick(arg string, c command.Caller) command.Action {
	name := strings.TrimSpace(arg)
	if name == "" {
		_ = c.Send(model.Message{Kind: model.KindError, Text: "Usage: /kick <name>"})
		return command.Continue
	}
	target, ok := s.registry.Lookup(name)
	if !ok {
		_ = c.Send(model.Message{Kind: model.KindError, Text: fmt.Sprintf("No such user: %s", name)})
		return command.Continue
	}
	if target.cancel == nil {
		_ = c.Send(model.Message{Kind: model.KindError, Text: fmt.Sprintf("%s cannot be kicked", name)})
		return command.Continue
	}
	_ = target.Send(model.Notice("You have been kicked by " + c.Name()))
	target.kick(errKicked)
	s.metrics.KickCount.Add(1)
	slog.Info("user kicked", "target", name, "by", c.Name())
	_ = c.Send(model.Reply(fmt.Sprintf("Kicked %s", name)))
	return command.Continue
}

func (s *Server) cmdStats(_ string, c command.Caller) command.Action {
	_ = c.Send(model.Reply(s.metrics.JSON()))
	return command.Continue
}
