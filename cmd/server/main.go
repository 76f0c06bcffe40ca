package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
	"github.com/NicolasHaas/gotalk/pkg/server"
	"github.com/NicolasHaas/gotalk/pkg/version"

	"github.com/mattn/go-isatty"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	cfg         server.Config
	configPath  string
	printConfig bool
	showVersion bool
	logLevel    string
	logFormat   string
}

// parseFlags binds flags over the defaults. A -config file is applied between
// the defaults and the command line, so explicit flags always win.
func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{cfg: server.DefaultConfig()}

	fs := flag.NewFlagSet("gotalk-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.StringVar(&o.cfg.Host, "host", o.cfg.Host, "bind address (empty for all interfaces)")
	fs.IntVar(&o.cfg.Port, "port", o.cfg.Port, "TCP port for chat sessions (0 picks a free port)")
	fs.IntVar(&o.cfg.Backlog, "backlog", o.cfg.Backlog, "requested listen backlog")
	fs.StringVar(&o.cfg.Prompt, "prompt", o.cfg.Prompt, "prompt sent after each line")
	fs.StringVar(&o.cfg.OperatorName, "operator", o.cfg.OperatorName, "display name of the operator console")
	fs.DurationVar(&o.cfg.ShutdownTimeout, "shutdown-timeout", o.cfg.ShutdownTimeout, "how long shutdown waits for sessions")
	fs.IntVar(&o.cfg.OutboxSize, "outbox", o.cfg.OutboxSize, "per-session output buffer")
	fs.BoolVar(&o.cfg.Color, "color", o.cfg.Color, "ANSI colours for network sessions")
	fs.StringVar(&o.cfg.HTTPAddr, "http", o.cfg.HTTPAddr, "HTTP bind address for /metrics, /healthz and websocket (empty to disable)")
	fs.StringVar(&o.cfg.WebSocketPath, "ws-path", o.cfg.WebSocketPath, "websocket route on the HTTP side")
	fs.Func("allowed-origins", "comma-separated websocket origins (empty allows any)", func(v string) error {
		o.cfg.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				o.cfg.AllowedOrigins = append(o.cfg.AllowedOrigins, origin)
			}
		}
		return nil
	})
	fs.DurationVar(&o.cfg.MetricsLogInterval, "metrics-log-interval", o.cfg.MetricsLogInterval, "periodic metrics log (0 to disable)")
	fs.BoolVar(&o.printConfig, "print-config", false, "print the effective config as YAML and exit")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: "+logging.LevelNames())
	fs.StringVar(&o.logFormat, "log-format", "text", "log format: text or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.configPath != "" {
		if err := server.LoadConfigFile(o.configPath, &o.cfg); err != nil {
			return nil, err
		}
		// Re-apply the command line over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "gotalk-server: %v\n", err)
		return 2
	}

	if o.showVersion {
		fmt.Fprintln(stdout, version.Full())
		return 0
	}
	if o.printConfig {
		data, err := server.ExportConfigYAML(o.cfg)
		if err != nil {
			fmt.Fprintf(stderr, "gotalk-server: %v\n", err)
			return 1
		}
		_, _ = stdout.Write(data)
		return 0
	}

	if err := logging.Setup(logging.Options{
		Level:  o.logLevel,
		Format: o.logFormat,
		Output: stderr,
	}); err != nil {
		fmt.Fprintf(stderr, "invalid logging config: %v\n", err)
		return 2
	}
	slog.Info("starting gotalk server", "version", version.Full())

	srv, err := server.New(o.cfg, server.Dependencies{
		Console:      protocol.NewConsoleConn(stdin, stdout),
		ConsoleColor: isTerminal(stdout),
	})
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return 2
	}

	// SIGINT and SIGTERM take the same path as the operator's /quit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	return 0
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
