package tracking

// Callback receives session events.
//
// OnConnect, OnConnectionLost, OnFrame and OnImage run on the polling
// goroutine and must return quickly; the frame and image are only valid
// for the duration of the call. All other methods run on the goroutine
// draining the session's Dispatcher.
type Callback interface {
	OnConnect()
	OnConnectionLost()
	OnDeviceFound(info DeviceInfo)
	OnDeviceLost(serial string)
	OnDeviceFailure(status DeviceStatus, handle DeviceHandle)
	OnFrame(frame *TrackingEvent)
	OnImage(image *ImageEvent)
	OnLog(severity LogSeverity, timestamp int64, message string)
	OnPolicy(current PolicyFlag)
	OnTrackingMode(mode TrackingMode)
	OnConfigChange(requestID uint32, status bool)
	OnConfigResponse(requestID uint32, value ConfigValue)
}

// NopCallback implements Callback with empty methods.
// Embed it to implement only the events you need.
type NopCallback struct{}

var _ Callback = NopCallback{}

func (NopCallback) OnConnect()                                 {}
func (NopCallback) OnConnectionLost()                          {}
func (NopCallback) OnDeviceFound(DeviceInfo)                   {}
func (NopCallback) OnDeviceLost(string)                        {}
func (NopCallback) OnDeviceFailure(DeviceStatus, DeviceHandle) {}
func (NopCallback) OnFrame(*TrackingEvent)                     {}
func (NopCallback) OnImage(*ImageEvent)                        {}
func (NopCallback) OnLog(LogSeverity, int64, string)           {}
func (NopCallback) OnPolicy(PolicyFlag)                        {}
func (NopCallback) OnTrackingMode(TrackingMode)                {}
func (NopCallback) OnConfigChange(uint32, bool)                {}
func (NopCallback) OnConfigResponse(uint32, ConfigValue)       {}
