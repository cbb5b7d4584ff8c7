package tracking

import (
	"sync"
	"sync/atomic"
	"time"
)

// mockConnection is a scripted Connection. Messages pushed with push are
// returned by Poll in order; an empty queue yields pollErr after the timeout.
type mockConnection struct {
	messages chan *Message

	mu              sync.Mutex
	openErr         error
	pollErr         error
	policyErr       error
	policyCalls     [][2]PolicyFlag
	modeCalls       []TrackingMode
	frameSizes      map[int64]int
	frames          map[int64][]byte
	serial          string
	serialCalls     []int
	failInfo        bool
	alwaysShort     bool
	closedDevices   []DeviceHandle
	nextRequestID   uint32
	configRequests  []string
	pollCount       atomic.Int64
	destroyCount    atomic.Int32
	destroyedSignal chan struct{}
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		messages:        make(chan *Message, 64),
		pollErr:         ResultTimeout,
		frameSizes:      make(map[int64]int),
		frames:          make(map[int64][]byte),
		serial:          "LP-0001",
		destroyedSignal: make(chan struct{}, 1),
	}
}

// floodConnection never blocks in Poll: it cycles through device, tracking
// and image events as fast as the loop asks for them.
type floodConnection struct {
	*mockConnection
	n atomic.Int64
}

func (f *floodConnection) Poll(time.Duration) (*Message, error) {
	n := f.n.Add(1)
	switch n % 3 {
	case 0:
		return deviceMessage(1), nil
	case 1:
		return trackingMessage(sampleFrame(n, 2)), nil
	default:
		return &Message{Type: EventImage, Image: imageEvent(n, 8, 4, byte(n))}, nil
	}
}

func (m *mockConnection) push(msg *Message) {
	m.messages <- msg
}

func (m *mockConnection) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openErr
}

func (m *mockConnection) Poll(timeout time.Duration) (*Message, error) {
	m.pollCount.Add(1)
	select {
	case msg := <-m.messages:
		return msg, nil
	case <-time.After(timeout):
		m.mu.Lock()
		defer m.mu.Unlock()
		return nil, m.pollErr
	}
}

func (m *mockConnection) SetPolicyFlags(set, clear PolicyFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyCalls = append(m.policyCalls, [2]PolicyFlag{set, clear})
	return m.policyErr
}

func (m *mockConnection) SetTrackingMode(mode TrackingMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeCalls = append(m.modeCalls, mode)
	return nil
}

func (m *mockConnection) FrameSize(timestamp int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameSizes[timestamp], nil
}

func (m *mockConnection) InterpolateFrame(timestamp int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(buf, m.frames[timestamp])
	return nil
}

// setInterpolated registers the frame the service returns for timestamp.
func (m *mockConnection) setInterpolated(timestamp int64, e *TrackingEvent) []byte {
	data, err := MarshalFrame(e)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameSizes[timestamp] = len(data)
	m.frames[timestamp] = data
	return data
}

func (m *mockConnection) OpenDevice(ref DeviceRef) (DeviceHandle, error) {
	return DeviceHandle(ref.Handle), nil
}

func (m *mockConnection) DeviceInfo(handle DeviceHandle, serial []byte) (DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serialCalls = append(m.serialCalls, len(serial))

	info := DeviceInfo{SerialLength: uint32(len(m.serial) + 1), PID: 0x1234, Status: DeviceStatusStreaming}
	if m.failInfo {
		return info, ResultProtocolError
	}
	if m.alwaysShort || len(serial) < len(m.serial)+1 {
		return info, ResultInsufficientBuffer
	}
	copy(serial, m.serial)
	return info, nil
}

func (m *mockConnection) CloseDevice(handle DeviceHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedDevices = append(m.closedDevices, handle)
}

func (m *mockConnection) RequestConfigValue(key string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRequestID++
	m.configRequests = append(m.configRequests, key)
	return m.nextRequestID, nil
}

func (m *mockConnection) SaveConfigValue(key string, _ ConfigValue) (uint32, error) {
	return m.RequestConfigValue(key)
}

func (m *mockConnection) Destroy() {
	m.destroyCount.Add(1)
	select {
	case m.destroyedSignal <- struct{}{}:
	default:
	}
}

func (m *mockConnection) policies() [][2]PolicyFlag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]PolicyFlag(nil), m.policyCalls...)
}

func (m *mockConnection) serialBufferSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.serialCalls...)
}

// recordingCallback captures callback invocations on channels.
type recordingCallback struct {
	NopCallback

	connects    chan struct{}
	lost        chan struct{}
	frames      chan TrackingEvent
	images      chan ImageEvent
	devices     chan DeviceInfo
	devicesLost chan string
	failures    chan DeviceStatus
	logs        chan string
	policies    chan PolicyFlag
	modes       chan TrackingMode
	configs     chan uint32

	onFrame func(*TrackingEvent)
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{
		connects:    make(chan struct{}, 16),
		lost:        make(chan struct{}, 16),
		frames:      make(chan TrackingEvent, 64),
		images:      make(chan ImageEvent, 16),
		devices:     make(chan DeviceInfo, 16),
		devicesLost: make(chan string, 16),
		failures:    make(chan DeviceStatus, 16),
		logs:        make(chan string, 16),
		policies:    make(chan PolicyFlag, 16),
		modes:       make(chan TrackingMode, 16),
		configs:     make(chan uint32, 16),
	}
}

func (r *recordingCallback) OnConnect()        { r.connects <- struct{}{} }
func (r *recordingCallback) OnConnectionLost() { r.lost <- struct{}{} }

func (r *recordingCallback) OnFrame(frame *TrackingEvent) {
	if r.onFrame != nil {
		r.onFrame(frame)
	}
	r.frames <- *frame.Clone()
}

func (r *recordingCallback) OnImage(image *ImageEvent)              { r.images <- *image }
func (r *recordingCallback) OnDeviceFound(info DeviceInfo)          { r.devices <- info }
func (r *recordingCallback) OnDeviceLost(serial string)             { r.devicesLost <- serial }
func (r *recordingCallback) OnLog(_ LogSeverity, _ int64, m string) { r.logs <- m }
func (r *recordingCallback) OnPolicy(current PolicyFlag)            { r.policies <- current }
func (r *recordingCallback) OnTrackingMode(mode TrackingMode)       { r.modes <- mode }
func (r *recordingCallback) OnConfigResponse(id uint32, _ ConfigValue) {
	r.configs <- id
}

func (r *recordingCallback) OnDeviceFailure(status DeviceStatus, _ DeviceHandle) {
	r.failures <- status
}

// queueDispatcher collects deferred tasks until run is called.
type queueDispatcher struct {
	mu    sync.Mutex
	tasks []func()
	full  bool
}

func (q *queueDispatcher) Post(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.tasks = append(q.tasks, task)
	return true
}

func (q *queueDispatcher) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queueDispatcher) run() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, t := range tasks {
		t()
	}
	return len(tasks)
}

func sampleFrame(id int64, hands int) *TrackingEvent {
	e := &TrackingEvent{
		FrameID:         id,
		TrackingFrameID: id,
		Timestamp:       id * 8333,
		FrameRate:       120,
	}
	for i := 0; i < hands; i++ {
		e.Hands = append(e.Hands, Hand{
			ID:            uint32(i + 1),
			Type:          HandType(i % 2),
			Confidence:    0.9,
			PinchStrength: 0.25 * float32(i),
			Palm:          Palm{Position: Vector{X: float32(id), Y: 200, Z: float32(-i)}},
		})
	}
	return e
}

func connectionMessage() *Message {
	return &Message{Type: EventConnection, Connection: &ConnectionEvent{}}
}

func deviceMessage(handle uint64) *Message {
	return &Message{Type: EventDevice, Device: &DeviceEvent{Device: DeviceRef{Handle: handle, ID: 1}}}
}

func deviceLostMessage() *Message {
	return &Message{Type: EventDeviceLost, Device: &DeviceEvent{}}
}

func trackingMessage(e *TrackingEvent) *Message {
	return &Message{Type: EventTracking, Tracking: e}
}
