package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/motionlink/internal/infrastructure/config"
)

// State is the lifecycle state of the supervised service.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

// Defaults applied by New for zero Config values.
const (
	DefaultRestartDelay        = 5 * time.Second
	DefaultMaxRestartDelay     = 5 * time.Minute
	DefaultStableThreshold     = 2 * time.Minute
	DefaultGracefulTimeout     = 10 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultMaxHealthFailures   = 3
)

// outputTailLines is how many recent output lines Stats keeps.
const outputTailLines = 20

var (
	// ErrNoBinary is returned by Start when Config.Binary is empty.
	ErrNoBinary = errors.New("process: binary is required")

	// ErrAlreadyRunning is returned by Start while the supervisor is active.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrUnhealthy is the exit cause recorded when the watchdog terminated
	// the service.
	ErrUnhealthy = errors.New("process: health check failed repeatedly")
)

// Config holds configuration for a supervised service.
type Config struct {
	// Name identifies the service in logs.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are passed to the binary.
	Args []string

	// Env adds KEY=value pairs to the inherited environment.
	Env []string

	// WorkDir is the working directory. Empty inherits ours.
	WorkDir string

	// RestartOnFailure enables restarting after an unexpected exit.
	RestartOnFailure bool

	// RestartDelay is the first backoff delay. It doubles per consecutive
	// failure up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for its exit to reset
	// the backoff and the attempt counter.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// FatalExitCodes are exit codes that are never retried, such as a
	// usage or configuration error.
	FatalExitCodes []int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc probes the running service. Nil disables the watchdog.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	// MaxHealthFailures is the number of consecutive failed probes after
	// which the service is terminated.
	MaxHealthFailures int
}

// ConfigFromService converts the tracking.service section of the daemon
// configuration.
func ConfigFromService(name string, svc config.ServiceConfig) Config {
	return Config{
		Name:                name,
		Binary:              svc.Binary,
		Args:                svc.Args,
		RestartOnFailure:    svc.RestartOnFailure,
		RestartDelay:        time.Duration(svc.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts:  svc.MaxRestartAttempts,
		HealthCheckInterval: svc.HealthCheckInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.MaxRestartDelay <= 0 {
		c.MaxRestartDelay = DefaultMaxRestartDelay
	}
	if c.MaxRestartDelay < c.RestartDelay {
		c.MaxRestartDelay = c.RestartDelay
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = DefaultStableThreshold
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = DefaultGracefulTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.MaxHealthFailures <= 0 {
		c.MaxHealthFailures = DefaultMaxHealthFailures
	}
	return c
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecoverableError is implemented by exit causes that know whether a
// restart can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err allows a restart. Errors that do not
// implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// ExitError records how the service process ended.
type ExitError struct {
	Code  int
	Fatal bool
	Err   error
}

func (e *ExitError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("exited with fatal code %d", e.Code)
	}
	return fmt.Sprintf("exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error       { return e.Err }
func (e *ExitError) IsRecoverable() bool { return !e.Fatal }

// Supervisor runs and restarts one service process.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Supervisor struct {
	cfg    Config
	logger Logger

	mu        sync.RWMutex
	state     State
	pid       int
	startedAt time.Time
	attempts  int // consecutive restarts since the last stable run
	restarts  int
	lastErr   error
	tail      []string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped supervisor.
//
// Parameters:
//   - cfg: process settings; zero durations select the package defaults
//   - logger: receives lifecycle events and service output; may be nil
func New(cfg Config, logger Logger) *Supervisor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateStopped,
	}
}

// Start launches the service and supervises it until Stop is called or ctx
// is cancelled. It fails if the first launch fails; later launch failures
// count as restart attempts.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Binary == "" {
		return ErrNoBinary
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.cfg.Name)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.attempts = 0
	s.lastErr = nil
	s.mu.Unlock()

	r, err := s.spawn()
	if err != nil {
		cancel()
		s.finish(StateFailed, err)
		close(done)
		return err
	}

	go s.supervise(ctx, r, done)
	return nil
}

// Stop terminates the service and waits for supervision to end.
// Safe to call when not running.
func (s *Supervisor) Stop() error {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// run is one launched process.
type run struct {
	cmd     *exec.Cmd
	started time.Time
	exited  chan struct{} // closed once the process is reaped
	err     error
}

func (s *Supervisor) spawn() (*run, error) {
	s.setState(StateStarting)
	s.logger.Info("starting service",
		"name", s.cfg.Name,
		"binary", s.cfg.Binary,
		"args", s.cfg.Args,
	)

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...) //nolint:gosec // binary comes from validated configuration
	// Own process group so Stop reaches any children the service forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.cfg.Env != nil {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Dir = s.cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.cfg.Name, err)
	}

	r := &run{cmd: cmd, started: time.Now(), exited: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.capture(&wg, "stdout", stdout)
	go s.capture(&wg, "stderr", stderr)
	go func() {
		// Pipes must be drained before Wait closes them.
		wg.Wait()
		r.err = cmd.Wait()
		close(r.exited)
	}()

	s.mu.Lock()
	s.state = StateRunning
	s.pid = cmd.Process.Pid
	s.startedAt = r.started
	s.mu.Unlock()

	s.logger.Info("service started", "name", s.cfg.Name, "pid", cmd.Process.Pid)
	return r, nil
}

// capture logs the stream line by line and keeps the most recent lines.
func (s *Supervisor) capture(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		s.logger.Debug("service output",
			"name", s.cfg.Name,
			"stream", stream,
			"line", line,
		)
		s.mu.Lock()
		s.tail = append(s.tail, line)
		if len(s.tail) > outputTailLines {
			s.tail = s.tail[len(s.tail)-outputTailLines:]
		}
		s.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug("output stream closed", "name", s.cfg.Name, "stream", stream, "error", err)
	}
}

func (s *Supervisor) supervise(ctx context.Context, r *run, done chan struct{}) {
	defer close(done)

	for {
		cause := s.watch(ctx, r)
		if ctx.Err() != nil {
			s.terminate(r)
			s.logger.Info("service stopped", "name", s.cfg.Name)
			s.finish(StateStopped, nil)
			return
		}

		cause = s.exitCause(cause)
		s.logger.Warn("service exited unexpectedly",
			"name", s.cfg.Name,
			"error", cause,
			"ran_for", time.Since(r.started).Round(time.Millisecond),
		)
		if time.Since(r.started) >= s.cfg.StableThreshold {
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
		}

		next, ok := s.restart(ctx, cause)
		if !ok {
			return
		}
		r = next
	}
}

// watch waits for the process to exit, ctx to end, or the watchdog to give
// up on it.
func (s *Supervisor) watch(ctx context.Context, r *run) error {
	if s.cfg.HealthCheckFunc == nil {
		select {
		case <-r.exited:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-r.exited:
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
		err := s.cfg.HealthCheckFunc(checkCtx)
		cancel()

		if err == nil {
			if failures > 0 {
				s.logger.Info("health check recovered", "name", s.cfg.Name, "previous_failures", failures)
			}
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		s.logger.Warn("health check failed",
			"name", s.cfg.Name,
			"error", err,
			"consecutive_failures", failures,
		)
		if failures >= s.cfg.MaxHealthFailures {
			s.logger.Error("health check failed repeatedly, terminating service",
				"name", s.cfg.Name,
				"failures", failures,
			)
			s.terminate(r)
			return fmt.Errorf("%w: %w", ErrUnhealthy, err)
		}
	}
}

// restart waits out the backoff and relaunches until a launch succeeds.
// It returns false once supervision is over.
func (s *Supervisor) restart(ctx context.Context, cause error) (*run, bool) {
	for {
		if !s.cfg.RestartOnFailure {
			s.logger.Info("restart disabled, not restarting", "name", s.cfg.Name)
			s.finish(StateFailed, cause)
			return nil, false
		}
		if !IsRecoverable(cause) {
			s.logger.Error("service failed permanently", "name", s.cfg.Name, "error", cause)
			s.finish(StateFailed, cause)
			return nil, false
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.lastErr = cause
		s.state = StateRestarting
		s.mu.Unlock()

		if s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts {
			s.logger.Error("max restart attempts reached",
				"name", s.cfg.Name,
				"attempts", attempt-1,
			)
			s.finish(StateFailed, cause)
			return nil, false
		}

		delay := s.calculateBackoffDelay(attempt)
		s.logger.Info("restarting service",
			"name", s.cfg.Name,
			"attempt", attempt,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.finish(StateStopped, nil)
			return nil, false
		case <-timer.C:
		}

		r, err := s.spawn()
		if err == nil {
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
			return r, true
		}
		s.logger.Error("failed to restart service", "name", s.cfg.Name, "error", err)
		cause = err
	}
}

// calculateBackoffDelay returns RestartDelay doubled per earlier attempt,
// capped at MaxRestartDelay.
func (s *Supervisor) calculateBackoffDelay(attempt int) time.Duration {
	delay := s.cfg.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxRestartDelay {
			return s.cfg.MaxRestartDelay
		}
	}
	return delay
}

// exitCause turns a Wait result into an *ExitError when the process exited
// with a status.
func (s *Supervisor) exitCause(err error) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		if err == nil {
			return &ExitError{Code: 0}
		}
		return err
	}
	code := ee.ExitCode()
	fatal := false
	for _, c := range s.cfg.FatalExitCodes {
		if c == code {
			fatal = true
			break
		}
	}
	return &ExitError{Code: code, Fatal: fatal, Err: err}
}

// terminate sends SIGTERM to the process group, then SIGKILL after
// GracefulTimeout, and waits for the process to be reaped. It is a no-op
// for a process that has already been reaped.
func (s *Supervisor) terminate(r *run) {
	select {
	case <-r.exited:
		return
	default:
	}

	pid := r.cmd.Process.Pid
	s.logger.Info("stopping service", "name", s.cfg.Name, "pid", pid)
	s.signalGroup(pid, syscall.SIGTERM)

	timer := time.NewTimer(s.cfg.GracefulTimeout)
	defer timer.Stop()

	select {
	case <-r.exited:
		return
	case <-timer.C:
	}

	s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
		"name", s.cfg.Name,
		"timeout", s.cfg.GracefulTimeout,
	)
	s.signalGroup(pid, syscall.SIGKILL)
	<-r.exited
}

func (s *Supervisor) signalGroup(pid int, sig syscall.Signal) {
	// A negative pid addresses the whole group created via Setpgid.
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to signal service process group",
			"name", s.cfg.Name,
			"signal", sig.String(),
			"error", err,
		)
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// finish records the final state of a supervision and allows Start again.
func (s *Supervisor) finish(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.pid = 0
	if err != nil {
		s.lastErr = err
	}
	s.cancel = nil
	s.done = nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning reports whether the service process is up.
func (s *Supervisor) IsRunning() bool {
	return s.State() == StateRunning
}

// PID returns the service process ID, or 0 when it is not running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning {
		return 0
	}
	return s.pid
}

// LastError returns the cause of the most recent unexpected exit.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Stats is a snapshot of the supervisor for status reporting.
type Stats struct {
	Name          string   `json:"name"`
	State         State    `json:"state"`
	PID           int      `json:"pid,omitempty"`
	UptimeSeconds float64  `json:"uptime_seconds,omitempty"`
	Restarts      int      `json:"restarts"`
	LastError     string   `json:"last_error,omitempty"`
	Output        []string `json:"output,omitempty"`
}

// Stats returns current statistics for the service.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Name:     s.cfg.Name,
		State:    s.state,
		Restarts: s.restarts,
		Output:   append([]string(nil), s.tail...),
	}
	if s.state == StateRunning {
		st.PID = s.pid
		st.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
