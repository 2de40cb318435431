package mqtt

import (
	"fmt"
	"strings"
)

// maxPayloadSize matches the common broker default of 1 MiB.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic. Wildcards are rejected: they are only
// meaningful in subscriptions.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), operationTimeout, ErrPublishFailed)
}

// PublishRetained publishes with the configured QoS and the retain flag,
// so late subscribers see the latest value of a state topic.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
