package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/motionlink/internal/audit"
	"github.com/nerrad567/motionlink/internal/bridge"
	"github.com/nerrad567/motionlink/internal/history"
	"github.com/nerrad567/motionlink/internal/infrastructure/config"
	"github.com/nerrad567/motionlink/internal/infrastructure/logging"
	"github.com/nerrad567/motionlink/internal/process"
	"github.com/nerrad567/motionlink/internal/tracking"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// commandTimeout bounds how long a PUT waits for the bridge to acknowledge.
const commandTimeout = 5 * time.Second

// TrackingSession is the read side of tracking.Session the API needs.
type TrackingSession interface {
	CopyLatestFrame(dst *tracking.TrackingEvent) bool
	InterpolatedFrameAt(timestamp int64) (*tracking.TrackingEvent, error)
	DeviceProperties() *tracking.DeviceInfo
	CurrentPolicy() tracking.PolicyFlag
	CurrentTrackingMode() tracking.TrackingMode
	Stats() tracking.Stats
}

// Controller accepts commands and reports bridge health. *bridge.Bridge
// satisfies it.
type Controller interface {
	Submit(cmd bridge.CommandMessage) <-chan bridge.AckMessage
	Health() bridge.HealthMessage
	Statistics() bridge.Statistics
}

// ConnectionChecker reports broker connectivity. *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// ServiceMonitor reports the supervised tracking service.
// *process.Supervisor satisfies it.
type ServiceMonitor interface {
	Stats() process.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Session  TrackingSession
	Bridge   Controller
	History  history.Repository // optional
	Audit    audit.Repository   // optional
	MQTT     ConnectionChecker  // optional
	Service  ServiceMonitor     // optional, set when the service is managed
	Hub      *Hub               // If set, the server uses this hub instead of creating its own
	Version  string
}

// Server is the HTTP API server for motionlink.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	session     TrackingSession
	bridge      Controller
	history     history.Repository
	audit       audit.Repository
	mqtt        ConnectionChecker
	service     ServiceMonitor
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()

	// interpMu serializes InterpolatedFrameAt, which allows one caller at a time.
	interpMu sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, session, bridge)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("tracking session is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		session:   deps.Session,
		bridge:    deps.Bridge,
		history:   deps.History,
		audit:     deps.Audit,
		mqtt:      deps.MQTT,
		service:   deps.Service,
		version:   deps.Version,
		startTime: time.Now(),
	}

	// The bridge broadcasts into the hub, so main usually builds it first.
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}

	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub (unless it was injected) and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the server has already been started
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr, "auth", s.authEnabled())
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
