package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// Logger is the subset of *logging.Logger the client uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler receives one message. A returned error is logged; the
// message is acknowledged either way.
type MessageHandler func(topic string, payload []byte) error

// Client is the gateway's broker link. It announces itself on the system
// status topic and re-subscribes after every reconnect.
//
// All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	connected atomic.Bool

	mu           sync.RWMutex
	routes       map[string]route
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

// route is a tracked subscription, replayed after reconnect.
type route struct {
	qos     byte
	handler MessageHandler
}

// Connect dials the broker and waits up to 10s for the first session.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		routes: make(map[string]route),
		logger: noopLogger{},
	}

	opts := clientOptions(cfg).
		SetOnConnectHandler(func(pahomqtt.Client) { c.onSession() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onLost(err) }).
		SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
			c.log().Warn("mqtt reconnecting", "broker", cfg.Broker.Host)
		})

	c.client = pahomqtt.NewClient(opts)
	if err := await(c.client.Connect(), connectTimeout, ErrConnectionFailed); err != nil {
		c.client.Disconnect(0)
		return nil, err
	}

	// The connect handler runs asynchronously; callers may publish at once.
	c.connected.Store(true)
	return c, nil
}

// await waits for a paho token and wraps failures in sentinel.
func await(token pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

func (c *Client) onSession() {
	c.connected.Store(true)
	c.restoreRoutes()
	c.client.Publish(Topics{}.SystemStatus(), statusQoS, true, //nolint:errcheck // async token
		statusPayload(StatusOnline, "", c.cfg.Broker.ClientID))

	c.mu.RLock()
	fn := c.onConnect
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) onLost(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	fn := c.onDisconnect
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Close publishes a graceful offline status and disconnects. The retained
// status differs from the last will so operators can tell a restart from a
// crash.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(Topics{}.SystemStatus(), statusQoS, true,
			statusPayload(StatusOffline, reasonShutdown, c.cfg.Broker.ClientID))
		token.WaitTimeout(operationTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known link state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect is called after every (re)connect, once subscriptions are
// restored.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect is called with the cause whenever the link drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets the logger used for handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger == nil {
		return noopLogger{}
	}
	return c.logger
}
