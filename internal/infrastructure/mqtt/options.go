package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second

	// operationTimeout bounds waiting for a publish or subscribe ack.
	operationTimeout = 5 * time.Second

	// disconnectQuiesce is in milliseconds, as paho expects.
	disconnectQuiesce = 500

	keepAlive = 60 * time.Second

	maxQoS = 2

	tlsMinVersion = tls.VersionTLS12

	// statusQoS is used for the retained online/offline announcements.
	statusQoS = 1
)

// Status reasons published on the system status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	reasonShutdown = "graceful_shutdown"
	reasonLost     = "unexpected_disconnect"
)

// StatusPayload is the retained body on gateway/system/status.
type StatusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(status, reason, clientID string) []byte {
	data, _ := json.Marshal(StatusPayload{ //nolint:errcheck // plain struct of strings
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

// clientOptions maps the mqtt config section onto paho options, including
// the last will that marks the gateway offline if the link drops without
// a clean Close.
func clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(Topics{}.SystemStatus(), string(statusPayload(StatusOffline, reasonLost, cfg.Broker.ClientID)), statusQoS, true)

	if cfg.Reconnect.InitialDelay > 0 {
		opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	}
	if cfg.Reconnect.MaxDelay > 0 {
		opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	}
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}
