// Package influxdb writes motionlink metrics to InfluxDB v2.
//
// It wraps influxdb-client-go with batched, non-blocking writes and a
// handful of typed writers for the bridge:
//
//	tracking      frame summaries (hand count, pinch/grab, palm position)
//	device_event  device found/lost/failure
//	image         image pair sizes
//	bridge_stats  bridge counters
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceEvent("LP12345", "found", 1)
//
// Write failures are asynchronous; register SetOnError to log them.
package influxdb
