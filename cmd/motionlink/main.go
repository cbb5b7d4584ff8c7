// motionlink bridges a hand-tracking service into MQTT, InfluxDB, SQLite
// device history and an HTTP/WebSocket API.
//
// Usage:
//
//	motionlink [serve]            run the bridge daemon (default)
//	motionlink console            interactive shell over one tracking session
//	motionlink token [-subject s] mint an API bearer token
//
// All commands read the configuration file named by MOTIONLINK_CONFIG,
// falling back to configs/config.yaml. -config overrides both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/motionlink/internal/api"
	"github.com/nerrad567/motionlink/internal/infrastructure/config"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable holding the config path.
const configEnv = "MOTIONLINK_CONFIG"

const (
	cmdServe   = "serve"
	cmdConsole = "console"
	cmdToken   = "token"
)

// invocation is a parsed command line.
type invocation struct {
	command    string
	configPath string
	subject    string
}

func parseArgs(args []string, output io.Writer) (invocation, error) {
	inv := invocation{command: cmdServe}
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		inv.command = args[0]
		args = args[1:]
	}

	switch inv.command {
	case cmdServe, cmdConsole, cmdToken:
	default:
		return inv, fmt.Errorf("unknown command %q (use serve, console or token)", inv.command)
	}

	fs := flag.NewFlagSet("motionlink "+inv.command, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&inv.configPath, "config", getConfigPath(), "Configuration file")
	if inv.command == cmdToken {
		fs.StringVar(&inv.subject, "subject", "operator", "Token subject")
	}
	if err := fs.Parse(args); err != nil {
		return inv, err
	}
	if fs.NArg() > 0 {
		return inv, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return inv, nil
}

func main() {
	inv, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	// Cancel on Ctrl+C or SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, inv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, inv invocation, stdout io.Writer) error {
	cfg, err := config.Load(inv.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	switch inv.command {
	case cmdConsole:
		return runConsole(ctx, cfg)
	case cmdToken:
		return runToken(cfg, inv.subject, stdout)
	default:
		return run(ctx, cfg)
	}
}

// runToken prints a bearer token for the API.
func runToken(cfg *config.Config, subject string, stdout io.Writer) error {
	token, err := api.IssueToken(cfg.Security.JWT, subject, time.Now())
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

// getConfigPath returns the configuration file path.
// Uses MOTIONLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}
