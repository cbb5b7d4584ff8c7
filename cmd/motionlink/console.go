package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/motionlink/internal/console"
	"github.com/nerrad567/motionlink/internal/infrastructure/config"
	"github.com/nerrad567/motionlink/internal/infrastructure/logging"
	"github.com/nerrad567/motionlink/internal/mainthread"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// runConsole opens one tracking session with the console as its callback
// and runs the shell on the calling goroutine, which therefore owns the
// main-thread loop.
func runConsole(ctx context.Context, cfg *config.Config) error {
	// Only warnings and errors; anything louder would bury the prompt.
	logCfg := cfg.Logging
	logCfg.Level = "warn"
	log := logging.New(logCfg, version)

	address, err := resolveAddress(ctx, cfg, log)
	if err != nil {
		return err
	}
	connector, err := newConnector(cfg, address, log)
	if err != nil {
		return err
	}

	loop := mainthread.New(mainthread.Config{QueueSize: cfg.MainLoop.QueueSize}, log)
	defer loop.Close()

	session := tracking.NewSession(connector, sessionConfig(cfg),
		tracking.WithDispatcher(loop),
		tracking.WithLogger(log.Component("tracking")),
	)
	defer session.Destroy()

	shell, err := console.New(session, loop)
	if err != nil {
		return err
	}
	defer shell.Close() //nolint:errcheck // terminal restore on exit

	if err := session.Open(shell); err != nil {
		return fmt.Errorf("opening tracking session: %w", err)
	}
	fmt.Fprintf(shell.Stdout(), "motionlink %s console, service %s\n", version, displayAddress(address))

	return shell.Run(ctx)
}

func displayAddress(address string) string {
	if address == "" {
		return "(transport default)"
	}
	return address
}
