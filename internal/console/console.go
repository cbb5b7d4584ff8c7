// Package console provides the interactive tracking shell behind
// `motionlink console`.
//
// The shell follows the session's threading model. The goroutine that calls
// Run owns the main-thread loop and executes every typed command and every
// deferred callback on it. A reader goroutine only turns readline input into
// posted tasks. Output from any goroutine goes through readline's Stdout so
// it never garbles the prompt.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chzyer/readline"

	"github.com/nerrad567/motionlink/internal/tracking"
)

// Prompt is the default readline prompt.
const Prompt = "tracking> "

// Session is the part of *tracking.Session the console drives.
type Session interface {
	IsConnected() bool
	Stats() tracking.Stats
	CopyLatestFrame(dst *tracking.TrackingEvent) bool
	DeviceProperties() *tracking.DeviceInfo
	InterpolatedFrameAt(timestamp int64) (*tracking.TrackingEvent, error)
	SetPolicyFlag(flag tracking.PolicyFlag, enabled bool)
	SetTrackingMode(mode tracking.TrackingMode)
	EnableImageStream(enable bool)
	RequestConfigValue(key string) (uint32, error)
	SaveConfigValue(key string, value tracking.ConfigValue) (uint32, error)
}

// Loop runs posted tasks on the calling goroutine. *mainthread.Loop
// satisfies it.
type Loop interface {
	Post(task func()) bool
	Run(ctx context.Context) error
}

// allPolicies is every policy flag, used for completion and help.
const allPolicies = tracking.PolicyBackgroundFrames | tracking.PolicyImages |
	tracking.PolicyOptimizeHMD | tracking.PolicyAllowPauseResume |
	tracking.PolicyMapPoints | tracking.PolicyOptimizeScreenTop

// Console is an interactive shell over one tracking session. It is also the
// session's Callback, printing events as they arrive.
type Console struct {
	session Session
	loop    Loop
	rl      *readline.Instance
	out     io.Writer

	frames atomic.Uint64
	images atomic.Uint64

	// pending maps config request IDs to their keys.
	mu      sync.Mutex
	pending map[uint32]string
}

// New creates a console with a readline prompt on the terminal.
//
// Parameters:
//   - session: the session to drive; the caller opens it with the console
//     as its Callback
//   - loop: the main-thread loop the session defers callbacks to
//
// Returns:
//   - *Console: ready to Run
//   - error: if the terminal could not be set up
func New(session Session, loop Loop) (*Console, error) {
	if session == nil || loop == nil {
		return nil, errors.New("console: session and loop are required")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          Prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := newConsole(session, loop, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(session Session, loop Loop, out io.Writer) *Console {
	return &Console{
		session: session,
		loop:    loop,
		out:     out,
		pending: make(map[uint32]string),
	}
}

// Stdout returns a writer that coordinates with the readline prompt.
// Use it for log output.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Close releases the terminal.
func (c *Console) Close() error {
	if c.rl == nil {
		return nil
	}
	return c.rl.Close()
}

// Run reads commands until quit, end of input or ctx is cancelled. It runs
// the main-thread loop on the calling goroutine and returns when the loop
// stops.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.printHelp()
	go c.readLoop(ctx, cancel)

	err := c.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Console) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	for ctx.Err() == nil {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isQuit(line) {
			fmt.Fprintln(c.out, "Exiting...")
			return
		}
		if !c.loop.Post(func() { c.Execute(line) }) {
			fmt.Fprintln(c.out, "busy: command dropped")
		}
	}
}

func isQuit(line string) bool {
	switch strings.ToLower(line) {
	case "quit", "exit", "q":
		return true
	}
	return false
}

// Execute runs one command line. It must be called on the loop goroutine.
// Returns false for quit.
func (c *Console) Execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.cmdStatus()
	case "frame", "f":
		c.cmdFrame()
	case "device", "d":
		c.cmdDevice()
	case "policy":
		c.cmdPolicy(args)
	case "mode":
		c.cmdMode(args)
	case "images":
		c.cmdImages(args)
	case "interp":
		c.cmdInterp(args)
	case "config":
		c.cmdConfig(args)
	case "quit", "exit", "q":
		return false
	default:
		c.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) printHelp() {
	c.printf(`
Tracking Commands:
  status                    - Show session state and counters
  frame                     - Show the latest frame
  device                    - Show the attached device
  policy <flag> on|off      - Set or clear a policy flag (%s)
  mode <desktop|hmd|screentop>
                            - Set the tracking mode
  images on|off             - Enable or disable the image stream
  interp <offset-us>        - Interpolate at latest frame time plus offset
  config get <key>          - Request a service config value
  config set <key> <value>  - Save a service config value
  help                      - Show this help
  quit                      - Exit
`, strings.Join(allPolicies.Names(), ", "))
}

func (c *Console) cmdStatus() {
	st := c.session.Stats()
	c.printf("running=%t connected=%t\n", st.Running, st.Connected)
	c.printf("frames=%d images=%d devices=%d\n", st.FramesReceived, st.ImagesReceived, st.DevicesAttached)
	c.printf("deferred posted=%d dropped=%d poll_errors=%d\n", st.DeferredPosted, st.DeferredDropped, st.PollErrors)
	c.printf("policy=%s mode=%s\n", policyText(st.CurrentPolicy), st.CurrentMode)
	if !st.LastFrameAt.IsZero() {
		c.printf("last frame at %s\n", st.LastFrameAt.Format("15:04:05.000"))
	}
	frames, images := c.Counts()
	c.printf("this console: frames=%d images=%d\n", frames, images)
}

func (c *Console) cmdFrame() {
	var frame tracking.TrackingEvent
	if !c.session.CopyLatestFrame(&frame) {
		c.printf("no frame received yet\n")
		return
	}
	c.printFrame("frame", &frame)
}

func (c *Console) printFrame(label string, f *tracking.TrackingEvent) {
	c.printf("%s %d at %dus, %.1f fps, %d hand(s)\n", label, f.FrameID, f.Timestamp, f.FrameRate, len(f.Hands))
	for i := range f.Hands {
		h := &f.Hands[i]
		p := h.Palm.Position
		c.printf("  %-5s id=%d conf=%.2f pinch=%.2f grab=%.2f palm=(%.1f, %.1f, %.1f)\n",
			h.Type, h.ID, h.Confidence, h.PinchStrength, h.GrabStrength, p.X, p.Y, p.Z)
	}
}

func (c *Console) cmdDevice() {
	info := c.session.DeviceProperties()
	if info == nil {
		c.printf("no device attached\n")
		return
	}
	c.printDevice(info)
}

func (c *Console) printDevice(info *tracking.DeviceInfo) {
	c.printf("device %s pid=%d status=%#x baseline=%dum fov=%.2fx%.2f range=%dum\n",
		info.Serial, info.PID, uint32(info.Status), info.Baseline, info.HFOV, info.VFOV, info.Range)
}

func (c *Console) cmdPolicy(args []string) {
	if len(args) != 2 {
		c.printf("usage: policy <flag> on|off\n")
		return
	}
	flag, err := tracking.ParsePolicyFlag(args[0])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	enabled, ok := parseOnOff(args[1])
	if !ok {
		c.printf("usage: policy <flag> on|off\n")
		return
	}
	if !c.requireConnection() {
		return
	}
	c.session.SetPolicyFlag(flag, enabled)
	c.printf("policy %s -> %s requested\n", args[0], args[1])
}

func (c *Console) cmdMode(args []string) {
	if len(args) != 1 {
		c.printf("usage: mode <desktop|hmd|screentop>\n")
		return
	}
	mode, err := tracking.ParseTrackingMode(args[0])
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	if !c.requireConnection() {
		return
	}
	c.session.SetTrackingMode(mode)
	c.printf("tracking mode %s requested\n", mode)
}

func (c *Console) cmdImages(args []string) {
	enabled := false
	ok := len(args) == 1
	if ok {
		enabled, ok = parseOnOff(args[0])
	}
	if !ok {
		c.printf("usage: images on|off\n")
		return
	}
	if !c.requireConnection() {
		return
	}
	c.session.EnableImageStream(enabled)
	c.printf("image stream %s\n", args[0])
}

// cmdInterp interpolates relative to the latest frame, whose timestamp is on
// the service clock.
func (c *Console) cmdInterp(args []string) {
	if len(args) != 1 {
		c.printf("usage: interp <offset-us>\n")
		return
	}
	offset, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		c.printf("offset must be an integer number of microseconds\n")
		return
	}
	var latest tracking.TrackingEvent
	if !c.session.CopyLatestFrame(&latest) {
		c.printf("no frame received yet\n")
		return
	}

	ts := latest.Timestamp + offset
	frame, err := c.session.InterpolatedFrameAt(ts)
	switch {
	case err != nil:
		c.printf("interpolation failed: %v\n", err)
	case frame == nil:
		c.printf("no frame at %dus\n", ts)
	default:
		c.printFrame("interpolated", frame)
	}
}

func (c *Console) cmdConfig(args []string) {
	if len(args) < 2 {
		c.printf("usage: config get <key> | config set <key> <value>\n")
		return
	}
	key := args[1]

	switch strings.ToLower(args[0]) {
	case "get":
		id, err := c.session.RequestConfigValue(key)
		if err != nil {
			c.printf("config get %s failed: %v\n", key, err)
			return
		}
		c.track(id, key)
		c.printf("config get %s sent (request %d)\n", key, id)

	case "set":
		if len(args) < 3 {
			c.printf("usage: config set <key> <value>\n")
			return
		}
		value := ParseConfigValue(strings.Join(args[2:], " "))
		id, err := c.session.SaveConfigValue(key, value)
		if err != nil {
			c.printf("config set %s failed: %v\n", key, err)
			return
		}
		c.track(id, key)
		c.printf("config set %s=%s sent (request %d)\n", key, value.Text(), id)

	default:
		c.printf("usage: config get <key> | config set <key> <value>\n")
	}
}

func (c *Console) requireConnection() bool {
	if c.session.IsConnected() {
		return true
	}
	c.printf("not connected to the tracking service\n")
	return false
}

func (c *Console) track(id uint32, key string) {
	c.mu.Lock()
	c.pending[id] = key
	c.mu.Unlock()
}

// take returns the key of request id, or "#id" for an unknown request.
func (c *Console) take(id uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.pending[id]
	if !ok {
		return "#" + strconv.FormatUint(uint64(id), 10)
	}
	delete(c.pending, id)
	return key
}

// ParseConfigValue infers the value type from its text: true/false, then
// integer, then float, otherwise a string.
func ParseConfigValue(s string) tracking.ConfigValue {
	switch s {
	case "true":
		return tracking.ConfigValue{Type: tracking.ValueBool, Bool: true}
	case "false":
		return tracking.ConfigValue{Type: tracking.ValueBool}
	}
	if i, err := strconv.ParseInt(s, 10, 32); err == nil {
		return tracking.ConfigValue{Type: tracking.ValueInt, Int: int32(i)}
	}
	if f, err := strconv.ParseFloat(s, 32); err == nil {
		return tracking.ConfigValue{Type: tracking.ValueFloat, Float: float32(f)}
	}
	return tracking.ConfigValue{Type: tracking.ValueString, String: s}
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "enable":
		return true, true
	case "off", "false", "0", "disable":
		return false, true
	}
	return false, false
}

func policyText(p tracking.PolicyFlag) string {
	names := p.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func completer() *readline.PrefixCompleter {
	flags := make([]readline.PrefixCompleterInterface, 0, 8)
	for _, name := range allPolicies.Names() {
		flags = append(flags, readline.PcItem(name, readline.PcItem("on"), readline.PcItem("off")))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("frame"),
		readline.PcItem("device"),
		readline.PcItem("policy", flags...),
		readline.PcItem("mode",
			readline.PcItem("desktop"),
			readline.PcItem("hmd"),
			readline.PcItem("screentop"),
		),
		readline.PcItem("images", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("interp"),
		readline.PcItem("config", readline.PcItem("get"), readline.PcItem("set")),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}
