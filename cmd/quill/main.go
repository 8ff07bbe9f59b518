// Quill is the in-app assistant of an invoicing and CRM application.
//
// It exposes an HTTP API that streams assistant turns as server-sent
// events, and a CLI for one-shot questions against the same stores.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	quill serve                          Start the API server
//	quill init [dir]                     Initialize a working directory
//	quill ask [flags] <message>          Run a single turn
//	quill version                        Print version and build information
//	quill -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata" // agent.timezone must resolve on hosts without zoneinfo

	"golang.org/x/sync/errgroup"

	"github.com/nugget/quill/internal/api"
	"github.com/nugget/quill/internal/buildinfo"
	"github.com/nugget/quill/internal/config"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 15 * time.Second

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the quill command. ctx controls the
// lifetime of the process; stdout receives command output and server
// logs; args is os.Args[1:].
//
// Arguments are parsed by hand so run can be called concurrently from
// tests without touching flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		opts, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdout, stderr, configPath, opts)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	delete(info, "uptime")
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Quill - invoicing and CRM assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: quill [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Run a single turn: ask [-user id] [-conversation id] [-confirm id] <message>")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe starts the API server, the pending-confirmation sweeper and
// the MQTT audit mirror, and blocks until a shutdown signal arrives or
// one of them fails.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Listen, cfg.API, api.Deps{
		Turns:         a.loop,
		Conversations: a.conversations,
		Usage:         a.usage,
		Audit:         a.auditLog,
		Bus:           a.bus,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.pending.RunSweeper(gctx, cfg.Agent.PendingSweepInterval, logger)
		return nil
	})
	if a.mqtt != nil {
		g.Go(func() error {
			if err := a.mqtt.Start(gctx); err != nil {
				// Audit mirroring is best effort; the SQLite log is authoritative.
				logger.Error("mqtt audit mirror stopped", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
