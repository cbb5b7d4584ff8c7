package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "MOTIONLINK_"

// Config is the root configuration structure for the motionlink bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	MainLoop  MainLoopConfig  `yaml:"mainloop"`
	Publish   PublishConfig   `yaml:"publish"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// BridgeConfig identifies this bridge instance.
type BridgeConfig struct {
	// ID is used in MQTT client IDs and health payloads.
	// Empty means a random UUID is generated at startup.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// HealthInterval is how often health is published. Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`
}

// TrackingConfig configures the tracking service connection and session.
type TrackingConfig struct {
	// Transport is "framed" or "websocket". Default: "framed"
	Transport string `yaml:"transport"`

	// Address of the service. Empty selects the transport default, or
	// discovery when enabled.
	Address string `yaml:"address"`

	// Namespace sent in the connection handshake.
	Namespace string `yaml:"namespace"`

	PollTimeout      time.Duration `yaml:"poll_timeout"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SerialBufferSize int           `yaml:"serial_buffer_size"`
	EventQueueSize   int           `yaml:"event_queue_size"`

	// Policy lists policy flags requested on every connect,
	// e.g. ["background_frames", "images"].
	Policy []string `yaml:"policy"`

	// Mode is the tracking mode requested on every connect:
	// "desktop", "hmd" or "screentop". Empty leaves the service default.
	Mode string `yaml:"tracking_mode"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Service   ServiceConfig   `yaml:"service"`
}

// DiscoveryConfig enables mDNS resolution of the service address.
type DiscoveryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interface string        `yaml:"interface"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ServiceConfig contains settings for supervising the tracking service process.
type ServiceConfig struct {
	// Managed indicates whether motionlink starts and restarts the service.
	// If false, the service is expected to be running externally.
	Managed bool `yaml:"managed"`

	// Binary is the path to the service (or simulator) executable.
	Binary string `yaml:"binary"`

	// Args are passed to the binary.
	Args []string `yaml:"args"`

	// RestartOnFailure enables automatic restart if the service exits.
	// Default: true
	RestartOnFailure bool `yaml:"restart_on_failure"`

	// RestartDelaySeconds is the time to wait before restarting.
	// Default: 5
	RestartDelaySeconds int `yaml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	// Default: 10
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// HealthCheckInterval is how often the watchdog probes the service address.
	// Default: 30s
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// MainLoopConfig sizes the main-thread task queue.
type MainLoopConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// PublishConfig throttles frame output.
type PublishConfig struct {
	// FrameRate is the maximum frame summaries per second. Default: 10
	FrameRate float64 `yaml:"frame_rate"`
	Burst     int     `yaml:"burst"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention prunes device history and the command audit older
	// than this. 0 keeps everything.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Viewer   ViewerConfig     `yaml:"viewer"`
}

// ViewerConfig controls the browser frame viewer served under /viewer/.
type ViewerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir serves assets from disk instead of the embedded copy. Useful
	// while editing the page.
	Dir string `yaml:"dir"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket hub settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`

	// FrameRate caps frame events per client per second. 0 means unlimited.
	FrameRate float64 `yaml:"frame_rate"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables API auth.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	Issuer         string `yaml:"issuer"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MOTIONLINK_SECTION_KEY
// For example: MOTIONLINK_TRACKING_ADDRESS, MOTIONLINK_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Name:           "motionlink",
			HealthInterval: 30 * time.Second,
		},
		Tracking: TrackingConfig{
			Transport:        "framed",
			PollTimeout:      tracking.DefaultPollTimeout,
			RetryDelay:       tracking.DefaultRetryDelay,
			CloseTimeout:     tracking.DefaultCloseTimeout,
			ConnectTimeout:   5 * time.Second,
			RequestTimeout:   5 * time.Second,
			SerialBufferSize: tracking.DefaultSerialBufferSize,
			EventQueueSize:   256,
			Discovery: DiscoveryConfig{
				Timeout: 5 * time.Second,
			},
			Service: ServiceConfig{
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
				HealthCheckInterval: 30 * time.Second,
			},
		},
		MainLoop: MainLoopConfig{
			QueueSize: 1024,
		},
		Publish: PublishConfig{
			FrameRate: 10,
			Burst:     1,
		},
		Database: DatabaseConfig{
			Path:        "./data/motionlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS:         1,
			TopicPrefix: "motionlink",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Viewer: ViewerConfig{
				Enabled: true,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			FrameRate:      5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer:         "motionlink",
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MOTIONLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"BRIDGE_ID":          &cfg.Bridge.ID,
		"TRACKING_TRANSPORT": &cfg.Tracking.Transport,
		"TRACKING_ADDRESS":   &cfg.Tracking.Address,
		"TRACKING_NAMESPACE": &cfg.Tracking.Namespace,
		"TRACKING_MODE":      &cfg.Tracking.Mode,
		"DATABASE_PATH":      &cfg.Database.Path,
		"MQTT_HOST":          &cfg.MQTT.Broker.Host,
		"MQTT_USERNAME":      &cfg.MQTT.Auth.Username,
		"MQTT_PASSWORD":      &cfg.MQTT.Auth.Password,
		"MQTT_TOPIC_PREFIX":  &cfg.MQTT.TopicPrefix,
		"API_HOST":           &cfg.API.Host,
		"INFLUXDB_URL":       &cfg.InfluxDB.URL,
		"INFLUXDB_TOKEN":     &cfg.InfluxDB.Token,
		"LOG_LEVEL":          &cfg.Logging.Level,
		"JWT_SECRET":         &cfg.Security.JWT.Secret,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MQTT_PORT": &cfg.MQTT.Broker.Port,
		"API_PORT":  &cfg.API.Port,
	}
	for key, dst := range ints {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"MQTT_ENABLED":      &cfg.MQTT.Enabled,
		"INFLUXDB_ENABLED":  &cfg.InfluxDB.Enabled,
		"DISCOVERY_ENABLED": &cfg.Tracking.Discovery.Enabled,
		"SERVICE_MANAGED":   &cfg.Tracking.Service.Managed,
	}
	for key, dst := range bools {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}
	return nil
}

// Validate checks the configuration for errors and security issues.
// All problems are reported together.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	switch c.Tracking.Transport {
	case "", "framed", "websocket":
	default:
		errs = append(errs, fmt.Sprintf("tracking.transport %q must be framed or websocket", c.Tracking.Transport))
	}
	if _, err := c.Tracking.PolicyFlags(); err != nil {
		errs = append(errs, "tracking.policy: "+err.Error())
	}
	if c.Tracking.Mode != "" {
		if _, err := tracking.ParseTrackingMode(c.Tracking.Mode); err != nil {
			errs = append(errs, "tracking.tracking_mode: "+err.Error())
		}
	}
	if c.Tracking.Service.Managed && c.Tracking.Service.Binary == "" {
		errs = append(errs, "tracking.service.binary is required when managed")
	}
	if c.MainLoop.QueueSize < 1 {
		errs = append(errs, "mainloop.queue_size must be positive")
	}
	if c.Publish.FrameRate < 0 {
		errs = append(errs, "publish.frame_rate must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && strings.Trim(c.MQTT.TopicPrefix, "/") == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.WebSocket.FrameRate < 0 {
		errs = append(errs, "websocket.frame_rate must not be negative")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when enabled")
	}

	// An empty secret disables auth; a short one is refused.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PolicyFlags combines the configured policy names.
func (t TrackingConfig) PolicyFlags() (tracking.PolicyFlag, error) {
	var flags tracking.PolicyFlag
	for _, name := range t.Policy {
		f, err := tracking.ParsePolicyFlag(name)
		if err != nil {
			return 0, err
		}
		flags |= f
	}
	return flags, nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
