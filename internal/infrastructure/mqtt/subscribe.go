package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe routes messages matching topic (wildcards allowed) to handler.
// The route is remembered and replayed after every reconnect. Handlers run
// on paho's goroutines; a panic is recovered and logged.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := await(c.client.Subscribe(topic, qos, c.dispatch(handler)), operationTimeout, ErrSubscribeFailed); err != nil {
		return err
	}

	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

// restoreRoutes re-issues every tracked subscription on a new session.
func (c *Client) restoreRoutes() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for topic, r := range c.routes {
		// A failure here shows up as missing traffic and is retried on
		// the next reconnect.
		c.client.Subscribe(topic, r.qos, c.dispatch(r.handler)) //nolint:errcheck // async token
	}
}

func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("mqtt handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("mqtt handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
