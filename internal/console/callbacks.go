package console

import (
	"github.com/nerrad567/motionlink/internal/tracking"
)

var _ tracking.Callback = (*Console)(nil)

// OnConnect runs on the polling goroutine.
func (c *Console) OnConnect() {
	c.printf("[service] connected\n")
}

// OnConnectionLost runs on the polling goroutine.
func (c *Console) OnConnectionLost() {
	c.printf("[service] connection lost\n")
}

func (c *Console) OnDeviceFound(info tracking.DeviceInfo) {
	c.printf("[device] found: ")
	c.printDevice(&info)
}

func (c *Console) OnDeviceLost(serial string) {
	c.printf("[device] lost: %s\n", serial)
}

func (c *Console) OnDeviceFailure(status tracking.DeviceStatus, handle tracking.DeviceHandle) {
	c.printf("[device] failure: status=%#x handle=%d\n", uint32(status), handle)
}

// OnFrame only counts; frames arrive far too fast to print. Use "frame".
func (c *Console) OnFrame(*tracking.TrackingEvent) {
	c.frames.Add(1)
}

func (c *Console) OnImage(*tracking.ImageEvent) {
	c.images.Add(1)
}

func (c *Console) OnLog(severity tracking.LogSeverity, timestamp int64, message string) {
	c.printf("[log] %s %dus: %s\n", severity, timestamp, message)
}

func (c *Console) OnPolicy(current tracking.PolicyFlag) {
	c.printf("[policy] %s\n", policyText(current))
}

func (c *Console) OnTrackingMode(mode tracking.TrackingMode) {
	c.printf("[mode] %s\n", mode)
}

func (c *Console) OnConfigChange(requestID uint32, status bool) {
	result := "saved"
	if !status {
		result = "rejected"
	}
	c.printf("[config] %s %s\n", c.take(requestID), result)
}

func (c *Console) OnConfigResponse(requestID uint32, value tracking.ConfigValue) {
	c.printf("[config] %s = %s\n", c.take(requestID), value.Text())
}

// Counts returns the frames and images seen since the console started.
func (c *Console) Counts() (frames, images uint64) {
	return c.frames.Load(), c.images.Load()
}
