// viewguardctl is the control CLI for viewguardd.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"viewguard/internal/config"
	"viewguard/internal/security"
)

// globals are the flags shared by every command.
type globals struct {
	configPath string
	server     string
	token      string
	timeout    time.Duration
	jsonOut    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "viewguardctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var g globals
	flags := pflag.NewFlagSet("viewguardctl", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.StringVarP(&g.configPath, "config", "c", "", "config file used to locate the daemon")
	flags.StringVarP(&g.server, "server", "s", "", "daemon base URL (default: from config)")
	flags.StringVar(&g.token, "token", os.Getenv("VIEWGUARD_OWNER_TOKEN"), "owner bearer token")
	flags.DurationVar(&g.timeout, "timeout", 10*time.Second, "per-request timeout")
	flags.BoolVar(&g.jsonOut, "json", false, "print raw JSON")
	flags.Usage = func() { usage(os.Stderr) }
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() < 1 {
		usage(os.Stderr)
		return errors.New("missing command")
	}

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	if cmd == "help" {
		usage(out)
		return nil
	}

	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	if g.server == "" {
		g.server = baseURL(cfg.Server.Listen)
	}
	if g.token == "" {
		g.token = cfg.Security.OwnerToken
	}
	client, err := newOwnerClient(g.server, g.token, g.timeout)
	if err != nil {
		return err
	}

	switch cmd {
	case "status":
		return cmdStatus(ctx, client, cfg, out)
	case "documents":
		return cmdDocuments(ctx, client, rest, g.jsonOut, out)
	case "readers":
		return cmdReaders(ctx, client, rest, g.jsonOut, out)
	case "lock":
		return cmdLock(ctx, client, rest, out)
	case "unlock":
		return cmdUnlock(ctx, client, rest, out)
	case "revoke":
		return cmdRevoke(ctx, client, rest, out)
	case "tail":
		return cmdTail(ctx, client, rest, out)
	case "simulate":
		return cmdSimulate(ctx, client, cfg, rest, g.jsonOut, out)
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `viewguardctl - Control utility for viewguardd

Usage: viewguardctl [options] <command> [args]

Commands:
  status                         Show daemon process and health
  documents list                 List documents
  documents create [flags]       Create a document (see documents create --help)
  documents get <id>             Show one document
  documents delete <id>          Delete a document and its sessions
  readers [document-id]          List identity-verified readers
  lock <id> [reason]             Lock a document for every viewer
  unlock <id>                    Unlock a document
  revoke <viewer-token> [reason] End a viewer session
  tail [--types a,b]             Follow the owner event stream
  simulate <scenario.yaml>       Replay a scripted viewing session
  help                           Show this help message

Options:
  -c, --config <path>   Config file (default: `+config.ConfigPath()+`)
  -s, --server <url>    Daemon base URL
      --token <token>   Owner bearer token (env VIEWGUARD_OWNER_TOKEN)
      --timeout <dur>   Per-request timeout
      --json            Print raw JSON`)
}

// loadConfig reads the config without requiring the file to exist.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadEnvFiles(config.DefaultEnvFiles()...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// baseURL turns a listen address into a URL a local client can reach.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	listen = strings.Replace(listen, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + listen
}

func cmdStatus(ctx context.Context, c *ownerClient, cfg *config.Config, out io.Writer) error {
	fmt.Fprintln(out, "=== viewguardd Status ===")
	fmt.Fprintln(out)

	pid, err := security.ReadPid(cfg.Server.PidFile)
	switch {
	case err != nil:
		fmt.Fprintln(out, "Daemon Status: NOT RUNNING")
	case processExists(pid):
		fmt.Fprintf(out, "Daemon Status: RUNNING (PID %d)\n", pid)
	default:
		fmt.Fprintf(out, "Daemon Status: STALE PID FILE (PID %d not found)\n", pid)
	}
	fmt.Fprintf(out, "Server: %s\n", c.base)
	fmt.Fprintf(out, "Store:  %s\n", cfg.Storage.Path)
	fmt.Fprintln(out)

	report, err := c.Health(ctx)
	if err != nil {
		fmt.Fprintf(out, "Health: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Health: %s (ready %t, uptime %s)\n", report.Status, report.Ready, report.Uptime)
	for _, name := range sortedKeys(report.Components) {
		comp := report.Components[name]
		line := fmt.Sprintf("  %-8s %s", name, comp.Status)
		if comp.Message != "" {
			line += " - " + comp.Message
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
