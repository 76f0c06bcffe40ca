// Package server implements the line-oriented chat server: session registry,
// broadcast, command dispatch, per-connection handlers, the connection acceptor
// and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/command"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
	"github.com/NicolasHaas/gotalk/pkg/style"

	"github.com/tevino/abool"
)

// Config holds server configuration.
type Config struct {
	Host               string        `yaml:"host"`                 // bind address, empty = all interfaces
	Port               int           `yaml:"port"`                 // TCP port for line sessions
	Backlog            int           `yaml:"listen_backlog"`       // requested pending-connection queue depth
	Prompt             string        `yaml:"prompt"`               // sent after each processed line
	OperatorName       string        `yaml:"operator_name"`        // display name of the console session
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`     // bound for handler teardown on shutdown
	OutboxSize         int           `yaml:"outbox_size"`          // per-session output buffer
	Color              bool          `yaml:"color"`                // ANSI styling for network sessions
	HTTPAddr           string        `yaml:"http_addr"`            // metrics, healthz and websocket (empty = disabled)
	WebSocketPath      string        `yaml:"websocket_path"`       // websocket route on the HTTP side
	AllowedOrigins     []string      `yaml:"allowed_origins"`      // websocket origins, empty = any
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"` // periodic metrics log, 0 = disabled
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:               6788,
		Backlog:            5,
		Prompt:             "> ",
		OperatorName:       "admin",
		ShutdownTimeout:    5 * time.Second,
		OutboxSize:         DefaultOutboxSize,
		Color:              true,
		WebSocketPath:      "/ws",
		MetricsLogInterval: 60 * time.Second,
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Backlog <= 0 {
		errs = append(errs, fmt.Errorf("listen_backlog must be positive, got %d", c.Backlog))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox_size must be positive, got %d", c.OutboxSize))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if c.MetricsLogInterval < 0 {
		errs = append(errs, fmt.Errorf("metrics_log_interval must not be negative, got %s", c.MetricsLogInterval))
	}
	if err := model.ValidateUsername(c.OperatorName); err != nil {
		errs = append(errs, fmt.Errorf("operator_name: %w", err))
	}
	if c.HTTPAddr != "" && (c.WebSocketPath == "" || c.WebSocketPath[0] != '/') {
		errs = append(errs, fmt.Errorf("websocket_path must start with '/', got %q", c.WebSocketPath))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Dependencies holds external collaborators for the server.
type Dependencies struct {
	// Console is the operator's transport, usually stdin/stdout. When nil the
	// operator session exists but has no input.
	Console protocol.Conn
	// ConsoleColor enables ANSI styling on the console.
	ConsoleColor bool
}

// Server is the chat server.
type Server struct {
	cfg       Config
	registry  *Registry
	broadcast *Broadcaster
	commands  *command.Dispatcher
	metrics   *Metrics
	renderer  *style.Renderer // network sessions
	operator  *Session
	console   protocol.Conn

	// ctx is the parent of every network handler; shutdown cancels it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	listener  net.Listener
	httpLn    net.Listener
	httpSrv   *http.Server
	listeners []net.Listener
	conns     map[protocol.Conn]struct{}
	closed    bool // acceptors stopped, no new handlers

	handlers sync.WaitGroup
	stopping *abool.AtomicBool
	done     chan struct{}
}

// New creates a Server and registers the operator session.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	metrics := NewMetrics()
	s := &Server{
		cfg:       cfg,
		registry:  NewRegistry(),
		broadcast: NewBroadcaster(metrics),
		metrics:   metrics,
		renderer:  style.NewRenderer(cfg.Color),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[protocol.Conn]struct{}),
		stopping:  abool.New(),
		done:      make(chan struct{}),
	}

	d, err := command.NewDispatcher(s.builtinCommands()...)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("server: commands: %w", err)
	}
	s.commands = d

	console := deps.Console
	if console == nil {
		console = nullConn{}
	}
	s.console = console
	op, err := s.registry.Insert(cfg.OperatorName, model.RoleAdmin, Endpoint{
		Conn:     console,
		Renderer: style.NewRenderer(deps.ConsoleColor),
		Outbox:   cfg.OutboxSize,
	})
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("server: register operator: %w", err)
	}
	s.operator = op
	return s, nil
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Commands returns the command dispatcher. Additional commands may be
// registered before serving.
func (s *Server) Commands() *command.Dispatcher { return s.commands }

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Operator returns the operator session.
func (s *Server) Operator() *Session { return s.operator }

// Done is closed when shutdown has completed.
func (s *Server) Done() <-chan struct{} { return s.done }

// Addr returns the bound chat address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// nullConn is the operator transport when no console is attached.
type nullConn struct{}

func (nullConn) ReadLine() (string, error)   { return "", errNoConsole }
func (nullConn) Write(p []byte) (int, error) { return len(p), nil }
func (nullConn) Interrupt() error            { return nil }
func (nullConn) Close() error                { return nil }
func (nullConn) RemoteAddr() string          { return "console" }

var errNoConsole = errors.New("server: no console attached")
