// Package mqtt connects the bridge to an MQTT broker.
//
// The bridge publishes tracking state under a configurable prefix and
// listens for commands:
//
//	motionlink/system/status            bridge online/offline (retained, LWT)
//	motionlink/status/service           tracking service link (retained)
//	motionlink/device/{serial}          device lifecycle (retained)
//	motionlink/frame                    rate-limited frame summaries
//	motionlink/log                      service log messages
//	motionlink/state/policy             policy flags (retained)
//	motionlink/state/tracking_mode      tracking mode (retained)
//	motionlink/config/response/{id}     config request answers
//	motionlink/command/{name}           commands in
//	motionlink/ack/{id}                 command acknowledgements
//	motionlink/health                   periodic health report
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) when the broker is not on localhost
//   - Set credentials through MOTIONLINK_MQTT_USERNAME / _PASSWORD
//   - Payloads are plain JSON; anything on the broker can read frames
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.PublishJSON(topics.Policy(), policy, true)
package mqtt
