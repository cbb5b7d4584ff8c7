package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/motionlink/internal/api"
	"github.com/nerrad567/motionlink/internal/audit"
	"github.com/nerrad567/motionlink/internal/bridge"
	"github.com/nerrad567/motionlink/internal/discovery"
	"github.com/nerrad567/motionlink/internal/history"
	"github.com/nerrad567/motionlink/internal/infrastructure/config"
	"github.com/nerrad567/motionlink/internal/infrastructure/database"
	"github.com/nerrad567/motionlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/motionlink/internal/infrastructure/logging"
	"github.com/nerrad567/motionlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/motionlink/internal/mainthread"
	"github.com/nerrad567/motionlink/internal/process"
	"github.com/nerrad567/motionlink/internal/trackd"
	"github.com/nerrad567/motionlink/internal/tracking"
	"github.com/nerrad567/motionlink/migrations"
)

// serviceName identifies the supervised tracking service in logs.
const serviceName = "trackd"

// run is the bridge daemon, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - cfg: Loaded and validated configuration
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Logging, version)
	log.Info("starting motionlink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	bridgeID := cfg.Bridge.ID
	if bridgeID == "" {
		bridgeID = uuid.NewString()
	}

	// Open database
	db, err := database.Open(database.ConfigFrom(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)
	repo := history.NewSQLiteRepository(db)
	auditRepo := audit.NewSQLiteRepository(db)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", mqttClient.ClientID(),
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the tracking service (if managed)
	var supervisor *process.Supervisor
	if cfg.Tracking.Service.Managed {
		supervisor, err = startService(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("starting tracking service: %w", err)
		}
		defer func() {
			log.Info("stopping tracking service")
			if stopErr := supervisor.Stop(); stopErr != nil {
				log.Error("error stopping tracking service", "error", stopErr)
			}
		}()
	}

	address, err := resolveAddress(ctx, cfg, log)
	if err != nil {
		return err
	}
	connector, err := newConnector(cfg, address, log)
	if err != nil {
		return err
	}

	loop := mainthread.New(mainthread.Config{QueueSize: cfg.MainLoop.QueueSize}, log.Component("mainthread"))
	defer loop.Close()

	session := tracking.NewSession(connector, sessionConfig(cfg),
		tracking.WithDispatcher(loop),
		tracking.WithLogger(log.Component("tracking")),
	)
	defer session.Destroy()

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	br, err := newBridge(cfg, bridgeID, address, session, loop, hub, repo, auditRepo, mqttClient, influxClient, log)
	if err != nil {
		return err
	}
	if err := session.Open(br); err != nil {
		return fmt.Errorf("opening tracking session: %w", err)
	}
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer br.Stop()

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Session:  session,
			Bridge:   br,
			History:  repo,
			Audit:    auditRepo,
			Hub:      hub,
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		if supervisor != nil {
			deps.Service = supervisor
		}
		srv, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"bridge_id", bridgeID,
		"address", address,
	)

	// The main-thread loop owns session control and deferred callbacks.
	// The hub is external to the API server, so it runs here as well.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// startService launches the tracking service under supervision. Its health
// check probes the configured service address.
func startService(ctx context.Context, cfg *config.Config, log *logging.Logger) (*process.Supervisor, error) {
	pcfg := process.ConfigFromService(serviceName, cfg.Tracking.Service)
	transport, address := cfg.Tracking.Transport, cfg.Tracking.Address
	pcfg.HealthCheckFunc = func(ctx context.Context) error {
		return trackd.Probe(ctx, transport, address)
	}

	sup := process.New(pcfg, log.Component("process"))
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("tracking service started", "binary", pcfg.Binary, "pid", sup.PID())
	return sup, nil
}

// resolveAddress returns the configured service address, browsing mDNS
// when none is set and discovery is enabled.
func resolveAddress(ctx context.Context, cfg *config.Config, log *logging.Logger) (string, error) {
	if cfg.Tracking.Address != "" || !cfg.Tracking.Discovery.Enabled {
		return cfg.Tracking.Address, nil
	}

	browser := discovery.NewBrowser(discovery.Config{
		Interface: cfg.Tracking.Discovery.Interface,
		Timeout:   cfg.Tracking.Discovery.Timeout,
	}, log.Component("discovery"))

	svc, err := browser.Resolve(ctx, cfg.Tracking.Namespace)
	if err != nil {
		return "", fmt.Errorf("discovering tracking service: %w", err)
	}
	return svc.Address(), nil
}

func newConnector(cfg *config.Config, address string, log *logging.Logger) (tracking.Connector, error) {
	connector, err := trackd.NewConnector(trackd.ConnectorConfig{
		Transport: cfg.Tracking.Transport,
		Config: trackd.Config{
			Address:        address,
			ConnectTimeout: cfg.Tracking.ConnectTimeout,
			RequestTimeout: cfg.Tracking.RequestTimeout,
			EventQueueSize: cfg.Tracking.EventQueueSize,
		},
	}, log.Component("trackd"))
	if err != nil {
		return nil, fmt.Errorf("creating tracking connector: %w", err)
	}
	return connector, nil
}

func sessionConfig(cfg *config.Config) tracking.Config {
	return tracking.Config{
		ServerNamespace:  cfg.Tracking.Namespace,
		PollTimeout:      cfg.Tracking.PollTimeout,
		RetryDelay:       cfg.Tracking.RetryDelay,
		CloseTimeout:     cfg.Tracking.CloseTimeout,
		SerialBufferSize: cfg.Tracking.SerialBufferSize,
	}
}

// newBridge assembles bridge options. Optional clients are only set when
// present so the bridge never sees a typed nil.
func newBridge(
	cfg *config.Config,
	bridgeID, address string,
	session *tracking.Session,
	loop *mainthread.Loop,
	hub *api.Hub,
	repo history.Repository,
	auditRepo audit.Repository,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	log *logging.Logger,
) (*bridge.Bridge, error) {
	policy, err := cfg.Tracking.PolicyFlags()
	if err != nil {
		return nil, fmt.Errorf("tracking.policy: %w", err)
	}

	opts := bridge.Options{
		BridgeID:         bridgeID,
		Version:          version,
		Address:          address,
		Session:          session,
		Dispatcher:       loop,
		History:          repo,
		Audit:            auditRepo,
		HistoryRetention: cfg.Database.HistoryRetention,
		Sink:             hub,
		FrameRate:        cfg.Publish.FrameRate,
		FrameBurst:       cfg.Publish.Burst,
		HealthInterval:   cfg.Bridge.HealthInterval,
		InitialPolicy:    policy,
		Logger:           log.Component("bridge"),
	}
	if cfg.Tracking.Mode != "" {
		mode, modeErr := tracking.ParseTrackingMode(cfg.Tracking.Mode)
		if modeErr != nil {
			return nil, fmt.Errorf("tracking.tracking_mode: %w", modeErr)
		}
		opts.InitialMode = &mode
	}
	if mqttClient != nil {
		opts.MQTT = mqttClient
		opts.Topics = mqttClient.Topics()
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}

	br, err := bridge.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	return br, nil
}
