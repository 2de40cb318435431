// Package mqtt provides the gateway's MQTT client.
//
// The broker is an optional side channel: the gateway mirrors every
// control state there (retained) and accepts control commands from it,
// so building-management systems can integrate without speaking the
// push-channel protocol.
//
// This package manages:
//   - Connection with auto-reconnect (paho.mqtt.golang)
//   - Publishing with QoS and retain
//   - Subscriptions restored after reconnect
//   - Last Will and Testament on gateway/system/status
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.State("amp-1", "mute")
//	client.PublishRetained(topic, []byte(`{"value":true}`))
//
// # Security
//
// Enable TLS (mqtt.broker.tls) when the broker is not on the loopback
// interface. Credentials come from GATEWAY_MQTT_USERNAME and
// GATEWAY_MQTT_PASSWORD.
package mqtt
