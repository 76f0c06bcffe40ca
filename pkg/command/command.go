// Package command implements slash-command dispatch: an ordered command table,
// prefix resolution and admin gating.
package command

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/rbac"
)

var (
	ErrUnknownCommand = errors.New("command: not recognized")
	ErrForbidden      = errors.New("command: admin only")
	ErrDuplicate      = errors.New("command: duplicate name")
	ErrInvalid        = errors.New("command: invalid definition")
)

// Action tells the session handler what to do after a command ran.
type Action int

const (
	Continue Action = iota // stay ACTIVE
	Logout                 // leave through DISCONNECTING
	Shutdown               // server is shutting down; the operator loop ends
)

// Caller is the session a command runs on behalf of.
type Caller interface {
	Name() string
	Role() model.Role
	Send(msg model.Message) error
}

// HandlerFunc runs a command with the argument string after the command token.
type HandlerFunc func(arg string, c Caller) Action

// Command is one entry of the dispatch table.
type Command struct {
	Name      string
	AdminOnly bool
	Help      string
	Run       HandlerFunc
}

// Dispatcher holds commands in registration order. Order decides prefix
// resolution, so it is never re-sorted.
type Dispatcher struct {
	mu       sync.RWMutex
	commands []Command
}

// NewDispatcher creates a dispatcher with the given commands registered in order.
func NewDispatcher(cmds ...Command) (*Dispatcher, error) {
	d := &Dispatcher{}
	if err := d.Register(cmds...); err != nil {
		return nil, err
	}
	return d, nil
}

// Register appends commands to the end of the table.
func (d *Dispatcher) Register(cmds ...Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cmds {
		if c.Name == "" || strings.ContainsAny(c.Name, " \t") || c.Run == nil {
			return fmt.Errorf("%w: %q", ErrInvalid, c.Name)
		}
		for _, existing := range d.commands {
			if existing.Name == c.Name {
				return fmt.Errorf("%w: %q", ErrDuplicate, c.Name)
			}
		}
		d.commands = append(d.commands, c)
	}
	return nil
}

// Resolve returns the first registered command whose name has token as a prefix.
// Matching is case-sensitive and an empty token never matches.
func (d *Dispatcher) Resolve(token string) (Command, bool) {
	if token == "" {
		return Command{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.commands {
		if strings.HasPrefix(c.Name, token) {
			return c, true
		}
	}
	return Command{}, false
}

// Invoke runs cmd for c. Admin-only commands invoked by a role without
// PermAdminCommands return ErrForbidden without running.
func (d *Dispatcher) Invoke(cmd Command, arg string, c Caller) (Action, error) {
	if cmd.AdminOnly && !rbac.HasPermission(c.Role(), model.PermAdminCommands) {
		return Continue, fmt.Errorf("%w: /%s: %s", ErrForbidden, cmd.Name, rbac.RequirePermission(c.Role(), model.PermAdminCommands))
	}
	return cmd.Run(arg, c), nil
}

// Dispatch resolves token and invokes the result. Unknown and forbidden commands
// both answer the caller with the same "not recognized" line; the returned error
// still tells them apart.
func (d *Dispatcher) Dispatch(token, arg string, c Caller) (Action, error) {
	cmd, ok := d.Resolve(token)
	if !ok {
		_ = c.Send(NotRecognized(token))
		return Continue, fmt.Errorf("%w: %q", ErrUnknownCommand, token)
	}
	action, err := d.Invoke(cmd, arg, c)
	if err != nil {
		_ = c.Send(NotRecognized(token))
	}
	return action, err
}

// Visible lists the commands role may see, in registration order.
func (d *Dispatcher) Visible(role model.Role) []Command {
	admin := rbac.HasPermission(role, model.PermAdminCommands)
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Command, 0, len(d.commands))
	for _, c := range d.commands {
		if c.AdminOnly && !admin {
			continue
		}
		out = append(out, c)
	}
	return out
}

// NotRecognized is the single reply for unknown and disallowed commands.
func NotRecognized(token string) model.Message {
	return model.Message{
		Kind: model.KindError,
		Text: fmt.Sprintf("Command not recognized: %c%s", '/', token),
	}
}
