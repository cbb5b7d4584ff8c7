// Command trackd-sim runs a simulated tracking service.
//
// It speaks the framed protocol the bridge uses, announces one device and
// streams synthetic hand frames. With -advertise it registers itself over
// mDNS so bridges with discovery enabled find it without an address.
//
// Usage:
//
//	trackd-sim [flags]
//
// Examples:
//
//	# Serve on the default TCP port at 90 frames per second
//	trackd-sim -fps 90
//
//	# Serve on a Unix socket with one hand
//	trackd-sim -listen unix:///run/motionlink/trackd.sock -hands 1
//
//	# Advertise on the LAN
//	trackd-sim -listen tcp://0.0.0.0:12345 -advertise
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

	"github.com/nerrad567/motionlink/internal/discovery"
	"github.com/nerrad567/motionlink/internal/infrastructure/config"
	"github.com/nerrad567/motionlink/internal/infrastructure/logging"
	"github.com/nerrad567/motionlink/internal/trackd"
	"github.com/nerrad567/motionlink/internal/trackd/sim"
)

// Version information - set at build time via ldflags
var version = "dev"

type options struct {
	listen    string
	namespace string
	serial    string
	fps       int
	hands     int
	history   int
	advertise bool
	instance  string
	iface     string
	logLevel  string
	logFormat string
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("trackd-sim", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&o.listen, "listen", trackd.DefaultAddress, "Listen address (tcp://host:port or unix:///path)")
	fs.StringVar(&o.namespace, "namespace", "", "Only accept clients sending this namespace")
	fs.StringVar(&o.serial, "serial", sim.DefaultSerial, "Device serial number")
	fs.IntVar(&o.fps, "fps", sim.DefaultFPS, "Frames per second")
	fs.IntVar(&o.hands, "hands", sim.DefaultHands, "Hands per frame (0-2)")
	fs.IntVar(&o.history, "history", sim.DefaultHistorySize, "Frames kept for interpolation")
	fs.BoolVar(&o.advertise, "advertise", false, "Advertise over mDNS as "+discovery.ServiceType)
	fs.StringVar(&o.instance, "instance", "trackd-sim", "mDNS instance name")
	fs.StringVar(&o.iface, "interface", "", "mDNS network interface (default: all)")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: json, text")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.fps <= 0 || o.fps > 1000 {
		return o, fmt.Errorf("fps must be between 1 and 1000, got %d", o.fps)
	}
	if o.hands < 0 || o.hands > 2 {
		return o, fmt.Errorf("hands must be between 0 and 2, got %d", o.hands)
	}
	if o.advertise {
		if err := discovery.ValidateInstanceName(o.instance); err != nil {
			return o, err
		}
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	log := logging.New(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: opts.logFormat,
		Output: "stderr",
	}, version)

	hands := opts.hands
	if hands == 0 {
		hands = -1
	}
	srv := sim.New(sim.Config{
		Address:     opts.listen,
		Namespace:   opts.namespace,
		FPS:         opts.fps,
		Hands:       hands,
		Serial:      opts.serial,
		HistorySize: opts.history,
	}, log)

	if err := srv.Listen(); err != nil {
		return err
	}

	if opts.advertise {
		port := srv.Port()
		if port == 0 {
			return errors.New("mDNS advertising needs a tcp listen address")
		}
		adv := discovery.NewAdvertiser(discovery.Config{Interface: opts.iface}, log)
		if err := adv.Advertise(discovery.ServiceInfo{
			Instance:  opts.instance,
			Port:      port,
			Version:   fmt.Sprintf("%d", trackd.ProtocolVersion),
			Namespace: opts.namespace,
		}); err != nil {
			return err
		}
		defer adv.Stop()
	}

	err := srv.Serve(ctx)
	st := srv.Stats()
	log.Info("simulator stopped",
		"frames_sent", st.FramesSent,
		"images_sent", st.ImagesSent,
		"requests", st.Requests,
	)
	return err
}
