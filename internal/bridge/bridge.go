package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/motionlink/internal/audit"
	"github.com/nerrad567/motionlink/internal/history"
	"github.com/nerrad567/motionlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/motionlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/motionlink/internal/tracking"
)

const (
	// historyTimeout bounds one history or audit write.
	historyTimeout = 2 * time.Second

	// pruneInterval is how often old device history is removed.
	pruneInterval = time.Hour

	// maxPendingRequests bounds config requests awaiting a response.
	maxPendingRequests = 256

	// unknownDevice names a device whose serial has not been reported.
	unknownDevice = "unknown"

	// unknownCommand is audited for commands sent without a name.
	unknownCommand = "unknown"
)

// WebSocket channel names used with EventSink.
const (
	ChannelFrame      = "frame"
	ChannelDevice     = "device"
	ChannelConnection = "connection"
	ChannelPolicy     = "policy"
	ChannelLog        = "log"
)

// Logger is the logging interface used by the bridge.
// logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Publisher sends MQTT messages. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MQTTClient is the MQTT surface the bridge uses.
type MQTTClient interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// MetricsWriter records time-series points. *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteTracking(s influxdb.TrackingSample)
	WriteDeviceEvent(serial, kind string, status uint32)
	WriteImage(serial string, width, height uint32, bytes int)
	WriteBridgeStats(bridgeID string, counters map[string]any)
}

// EventSink fans events out to WebSocket subscribers. The payload must be
// consumed before Broadcast returns.
type EventSink interface {
	Broadcast(channel string, payload any)
}

// Session is the part of *tracking.Session the bridge controls.
type Session interface {
	SetPolicy(set, clear tracking.PolicyFlag)
	SetPolicyFlag(flag tracking.PolicyFlag, enabled bool)
	SetTrackingMode(mode tracking.TrackingMode)
	EnableImageStream(enable bool)
	RequestConfigValue(key string) (uint32, error)
	SaveConfigValue(key string, value tracking.ConfigValue) (uint32, error)
	IsConnected() bool
	IsRunning() bool
	Stats() tracking.Stats
}

// Options holds configuration for creating a bridge.
type Options struct {
	// BridgeID identifies this instance in health and metrics.
	BridgeID string

	// Version is reported in health messages.
	Version string

	// Address is the tracking service address, reported in health.
	Address string

	// Session is the tracking session the bridge is registered on. Required.
	Session Session

	// Dispatcher runs session control and deferred work. Required; pass the
	// same main-thread loop the session dispatches to.
	Dispatcher tracking.Dispatcher

	// MQTT is optional. Topics must be set when it is.
	MQTT   MQTTClient
	Topics mqtt.Topics

	// Metrics is optional.
	Metrics MetricsWriter

	// History is optional.
	History history.Repository

	// Audit is optional. Every acknowledged command is recorded there.
	Audit audit.Repository

	// HistoryRetention prunes older history and audit entries hourly.
	// Zero disables pruning.
	HistoryRetention time.Duration

	// Sink is optional.
	Sink EventSink

	// FrameRate limits frame summaries per second. Zero is unlimited.
	FrameRate  float64
	FrameBurst int

	// HealthInterval defaults to 30 seconds.
	HealthInterval time.Duration

	// Policy flags set and the tracking mode requested on every connect.
	InitialPolicy tracking.PolicyFlag
	InitialMode   *tracking.TrackingMode

	Logger Logger
}

type pendingRequest struct {
	commandID string
	key       string
}

type bridgeStats struct {
	images         atomic.Uint64
	imageBytes     atomic.Uint64
	logs           atomic.Uint64
	commands       atomic.Uint64
	commandsFailed atomic.Uint64
	publishErrors  atomic.Uint64
}

// Bridge connects a tracking session to MQTT, InfluxDB, the device
// history and WebSocket subscribers. It implements tracking.Callback.
//
// Thread Safety: All methods are safe for concurrent use. Session control
// always runs on the dispatcher goroutine.
type Bridge struct {
	opts       Options
	session    Session
	dispatcher tracking.Dispatcher
	mqtt       MQTTClient
	topics     mqtt.Topics
	metrics    MetricsWriter
	history    history.Repository
	audit      audit.Repository
	sink       EventSink
	logger     Logger

	frames *framePublisher
	health *HealthReporter

	device atomic.Pointer[string]

	pendingMu sync.Mutex
	pending   map[uint32]pendingRequest

	stats bridgeStats

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

var _ tracking.Callback = (*Bridge)(nil)

// New creates a bridge. Register it with session.Open and call Start.
func New(opts Options) (*Bridge, error) {
	if opts.Session == nil {
		return nil, ErrSessionRequired
	}
	if opts.Dispatcher == nil {
		return nil, ErrDispatcherRequired
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:       opts,
		session:    opts.Session,
		dispatcher: opts.Dispatcher,
		mqtt:       opts.MQTT,
		topics:     opts.Topics,
		metrics:    opts.Metrics,
		history:    opts.History,
		audit:      opts.Audit,
		sink:       opts.Sink,
		logger:     opts.Logger,
		pending:    make(map[uint32]pendingRequest),
		ctx:        ctx,
		ctxCancel:  cancel,
	}
	if b.logger == nil {
		b.logger = nopLogger{}
	}

	b.frames = newFramePublisher(opts.FrameRate, opts.FrameBurst, b.publishFrame)

	var publisher Publisher
	if b.mqtt != nil {
		publisher = b.mqtt
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Address:   opts.Address,
		Interval:  opts.HealthInterval,
		Publisher: publisher,
		Topic:     b.topics.Health(),
		Source:    b,
		OnReport:  b.recordHealth,
	})
	b.health.SetLogger(b.logger)

	return b, nil
}

// Start subscribes to commands and starts the frame publisher, health
// reporting and history pruning. Everything stops when ctx is cancelled
// or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		context.AfterFunc(ctx, b.ctxCancel)

		if perr := b.health.PublishStarting(); perr != nil {
			b.logger.Warn("failed to publish starting status", "error", perr)
		}

		if b.mqtt != nil {
			topic := b.topics.AllCommands()
			if serr := b.mqtt.Subscribe(topic, 1, b.handleCommand); serr != nil {
				err = fmt.Errorf("subscribe to commands: %w", serr)
				return
			}
			b.logger.Info("subscribed to commands", "topic", topic)
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.frames.Run(b.ctx)
		}()

		if (b.history != nil || b.audit != nil) && b.opts.HistoryRetention > 0 {
			b.wg.Add(1)
			go b.pruneLoop()
		}

		b.health.Start(b.ctx)
		b.logger.Info("bridge started",
			"bridge_id", b.opts.BridgeID,
			"frame_rate", b.opts.FrameRate,
		)
	})
	return err
}

// Stop shuts the bridge down and publishes a final "stopping" health.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()
		b.logger.Info("bridge stopped")
	})
}

// Health returns the current health message.
func (b *Bridge) Health() HealthMessage {
	return b.health.Current()
}

// CurrentDevice returns the serial of the attached device, or "".
func (b *Bridge) CurrentDevice() string {
	if p := b.device.Load(); p != nil {
		return *p
	}
	return ""
}

// SessionState implements HealthSource.
func (b *Bridge) SessionState() (running, connected bool) {
	return b.session.IsRunning(), b.session.IsConnected()
}

// Statistics returns session and bridge counters.
func (b *Bridge) Statistics() Statistics {
	s := b.session.Stats()
	return Statistics{
		FramesReceived:   s.FramesReceived,
		FramesPublished:  b.frames.published.Load(),
		FramesSuperseded: b.frames.superseded.Load(),
		ImagesReceived:   b.stats.images.Load(),
		ImageBytes:       b.stats.imageBytes.Load(),
		LogsReceived:     b.stats.logs.Load(),
		Commands:         b.stats.commands.Load(),
		CommandsFailed:   b.stats.commandsFailed.Load(),
		PublishErrors:    b.stats.publishErrors.Load(),
		DeferredDropped:  s.DeferredDropped,
		PollErrors:       s.PollErrors,
	}
}

// recordHealth writes every health report to the metrics store.
func (b *Bridge) recordHealth(msg HealthMessage) {
	if b.metrics == nil || msg.Statistics == nil {
		return
	}
	s := msg.Statistics
	// #nosec G115 -- counters stay far below MaxInt64
	b.metrics.WriteBridgeStats(b.opts.BridgeID, map[string]any{
		"status":            string(msg.Status),
		"uptime_seconds":    msg.UptimeSeconds,
		"frames_received":   int64(s.FramesReceived),
		"frames_published":  int64(s.FramesPublished),
		"frames_superseded": int64(s.FramesSuperseded),
		"images_received":   int64(s.ImagesReceived),
		"commands":          int64(s.Commands),
		"commands_failed":   int64(s.CommandsFailed),
		"publish_errors":    int64(s.PublishErrors),
		"deferred_dropped":  int64(s.DeferredDropped),
	})
}

func (b *Bridge) pruneLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		b.pruneHistory()
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) pruneHistory() {
	ctx, cancel := context.WithTimeout(b.ctx, historyTimeout)
	defer cancel()

	if b.history != nil {
		n, err := b.history.PruneHistory(ctx, b.opts.HistoryRetention)
		if err != nil {
			b.logger.Warn("pruning device history failed", "error", err)
		} else if n > 0 {
			b.logger.Info("pruned device history", "deleted", n, "retention", b.opts.HistoryRetention)
		}
	}
	if b.audit != nil {
		n, err := b.audit.Prune(ctx, b.opts.HistoryRetention)
		if err != nil {
			b.logger.Warn("pruning command audit failed", "error", err)
		} else if n > 0 {
			b.logger.Info("pruned command audit", "deleted", n, "retention", b.opts.HistoryRetention)
		}
	}
}

// post runs fn on the dispatcher goroutine.
func (b *Bridge) post(what string, fn func()) bool {
	if b.dispatcher.Post(fn) {
		return true
	}
	b.logger.Warn("dispatcher full, dropped bridge task", "task", what)
	return false
}

// publishJSON marshals v and publishes it when MQTT is configured.
func (b *Bridge) publishJSON(topic string, v any, qos byte, retained bool) {
	if b.mqtt == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed to marshal payload", "topic", topic, "error", err)
		return
	}

	if err := b.mqtt.Publish(topic, payload, qos, retained); err != nil {
		b.stats.publishErrors.Add(1)
		if qos == 0 {
			b.logger.Debug("publish failed", "topic", topic, "error", err)
			return
		}
		b.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) broadcast(channel string, payload any) {
	if b.sink != nil {
		b.sink.Broadcast(channel, payload)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
