// Package bridge publishes a tracking session to MQTT, InfluxDB, the
// device history and WebSocket subscribers, and accepts control commands.
//
// # Topics
//
// All topics live under a configurable prefix (default "motionlink"):
//
//	{prefix}/system/status             online/offline (LWT, retained)
//	{prefix}/status/service            tracking service connection (retained)
//	{prefix}/device/{serial}           found, lost, failure (retained)
//	{prefix}/frame                     rate-limited frame summaries
//	{prefix}/log                       tracking service log lines
//	{prefix}/state/policy              policy in effect (retained)
//	{prefix}/state/tracking_mode       tracking mode in effect (retained)
//	{prefix}/config/response/{id}      config request and save results
//	{prefix}/command/{command}         commands in
//	{prefix}/ack/{id}                  command acknowledgments
//	{prefix}/health                    periodic health (retained)
//
// # Threading
//
// The Bridge is the session's tracking.Callback. Frame and image callbacks
// run on the polling goroutine and never block: frames are handed to a
// latest-wins publisher goroutine throttled by golang.org/x/time/rate.
// Commands are parsed in the MQTT goroutine but applied to the session
// on the dispatcher goroutine, the same one deferred callbacks run on.
package bridge
