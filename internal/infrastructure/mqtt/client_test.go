package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// testConfig returns a configuration for a local Mosquitto at 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "gateway-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// skipIfNoBroker skips tests that need a live broker.
func skipIfNoBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available, skipping")
	}
	conn.Close()
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", topics.State("amp-1", "mute"), "gateway/state/amp-1/mute"},
		{"command", topics.Command("light-1", "power"), "gateway/command/light-1/power"},
		{"all commands", topics.AllCommands(), "gateway/command/+/+"},
		{"system status", topics.SystemStatus(), "gateway/system/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopics_ParseCommand(t *testing.T) {
	tests := []struct {
		topic       string
		wantAsset   string
		wantControl string
		wantOK      bool
	}{
		{"gateway/command/amp-1/mute", "amp-1", "mute", true},
		{"gateway/state/amp-1/mute", "", "", false},
		{"gateway/command/amp-1", "", "", false},
		{"gateway/command//mute", "", "", false},
		{"gateway/command/amp-1/mute/extra", "", "", false},
		{"other/command/amp-1/mute", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			a, c, ok := Topics{}.ParseCommand(tt.topic)
			if a != tt.wantAsset || c != tt.wantControl || ok != tt.wantOK {
				t.Errorf("ParseCommand(%q) = (%q, %q, %v)", tt.topic, a, c, ok)
			}
		})
	}
}

func TestValidSegment(t *testing.T) {
	for s, want := range map[string]bool{
		"amp-1":   true,
		"":        false,
		"a/b":     false,
		"a+b":     false,
		"#":       false,
		"x\x00yz": false,
	} {
		if got := ValidSegment(s); got != want {
			t.Errorf("ValidSegment(%q) = %v, want %v", s, got, want)
		}
	}
}

// =============================================================================
// Validation Tests (no broker)
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"single-level wildcard", "gateway/state/+/mute", []byte("x"), 1, ErrInvalidTopic},
		{"multi-level wildcard", "gateway/#", []byte("x"), 1, ErrInvalidTopic},
		{"qos 3", "gateway/x", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "gateway/x", []byte(strings.Repeat("x", maxPayloadSize+1)), 1, ErrPublishFailed},
		{"not connected", "gateway/x", []byte("x"), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client := &Client{routes: make(map[string]route)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("gateway/#", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad QoS error = %v", err)
	}
	if err := client.Subscribe("gateway/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := client.Subscribe("gateway/#", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if len(client.routes) != 0 {
		t.Error("failed subscriptions must not be tracked")
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) Info(string, ...any) {}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errs = append(l.errs, msg)
	l.mu.Unlock()
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestDispatch_LogsFailuresAndRecoversPanics(t *testing.T) {
	logger := &recordingLogger{}
	client := &Client{}
	client.SetLogger(logger)

	msg := fakeMessage{topic: "gateway/command/amp-1/mute", payload: []byte("true")}

	var got string
	client.dispatch(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	})(nil, msg)
	if got != "gateway/command/amp-1/mute=true" {
		t.Errorf("handler saw %q", got)
	}

	client.dispatch(func(string, []byte) error { return errors.New("bad value") })(nil, msg)
	client.dispatch(func(string, []byte) error { panic("boom") })(nil, msg)

	if len(logger.warns) != 1 || len(logger.errs) != 1 {
		t.Errorf("warns = %v, errs = %v", logger.warns, logger.errs)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "gw"
	cfg.Auth.Password = "pw"

	opts := clientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.Username != "gw" || opts.ClientID != "gateway-test" {
		t.Errorf("identity = %q/%q", opts.Username, opts.ClientID)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config not applied")
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}

	if !opts.WillEnabled || opts.WillTopic != "gateway/system/status" || !opts.WillRetained {
		t.Errorf("LWT = enabled %v topic %q retained %v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	var will StatusPayload
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("WillPayload is not JSON: %v", err)
	}
	if will.Status != StatusOffline || will.Reason != reasonLost || will.ClientID != "gateway-test" {
		t.Errorf("will = %+v", will)
	}
}

func TestClientOptions_PlainTCP(t *testing.T) {
	opts := clientOptions(testConfig())
	if opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLS must not be configured for tcp://")
	}
}

func TestStatusPayload_OnlineOmitsReason(t *testing.T) {
	var got map[string]any
	if err := json.Unmarshal(statusPayload(StatusOnline, "", "gw-1"), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["status"] != "online" || got["client_id"] != "gw-1" {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["reason"]; ok {
		t.Error("reason must be omitted when empty")
	}
	if _, err := time.Parse(time.RFC3339, got["timestamp"].(string)); err != nil {
		t.Errorf("timestamp: %v", err)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnect_PublishSubscribeRoundTrip(t *testing.T) {
	skipIfNoBroker(t)

	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	var mu sync.Mutex
	received := make(chan string, 1)
	topic := Topics{}.Command("test-asset", "test-control")
	err = client.Subscribe(Topics{}.AllCommands(), 1, func(tp string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if tp == topic {
			select {
			case received <- string(payload):
			default:
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	client.mu.RLock()
	_, tracked := client.routes[Topics{}.AllCommands()]
	client.mu.RUnlock()
	if !tracked {
		t.Error("subscription not tracked")
	}

	if err := client.Publish(topic, []byte(`{"value":1}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != `{"value":1}` {
			t.Errorf("payload = %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestConnect_InvalidBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the connect timeout")
	}
	cfg := testConfig()
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}
