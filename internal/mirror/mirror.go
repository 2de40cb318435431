package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/audit"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/mqtt"
)

const (
	defaultQueueSize      = 1024
	defaultCommandTimeout = 10 * time.Second
	commandQoS            = 1
)

// ErrInvalidCommand is returned for command payloads without a value.
var ErrInvalidCommand = errors.New("mirror: invalid command payload")

// Publisher is the subset of *mqtt.Client the mirror needs.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// PointWriter is the subset of *influxdb.Client the mirror needs.
type PointWriter interface {
	WriteControlValue(assetID, controlKey, adapterKey string, value float64, ts time.Time)
}

// Commander forwards commands to devices. *adapter.Manager implements it.
type Commander interface {
	SetValue(ctx context.Context, assetID, controlKey string, value any) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config tunes the mirror.
type Config struct {
	// QueueSize bounds states waiting to be mirrored. Default 1024.
	QueueSize int

	// CommandTimeout bounds one MQTT-originated SetValue. Default 10s.
	CommandTimeout time.Duration
}

// StatePayload is the retained JSON body on gateway/state/{asset}/{control}.
type StatePayload struct {
	Asset   string `json:"asset"`
	Control string `json:"control"`
	Value   any    `json:"value"`
	Adapter string `json:"adapter,omitempty"`
	TS      string `json:"ts"`
}

// CommandPayload is the JSON body accepted on gateway/command/{asset}/{control}.
type CommandPayload struct {
	Value any `json:"value"`
}

// Stats holds mirror counters.
type Stats struct {
	Mirrored      uint64 `json:"mirrored"`
	Dropped       uint64 `json:"dropped"`
	PublishErrors uint64 `json:"publish_errors"`
	Points        uint64 `json:"points"`
	Commands      uint64 `json:"commands"`
	CommandErrors uint64 `json:"command_errors"`
}

type mirrorStats struct {
	mirrored      atomic.Uint64
	dropped       atomic.Uint64
	publishErrors atomic.Uint64
	points        atomic.Uint64
	commands      atomic.Uint64
	commandErrors atomic.Uint64
}

// Mirror copies the state stream to MQTT and InfluxDB and feeds MQTT
// commands back into the adapters. Either sink may be nil.
//
// Handle never blocks: states are queued and a single worker writes them
// in order. When the queue is full the state is dropped and counted.
type Mirror struct {
	cfg       Config
	publisher Publisher
	points    PointWriter
	commander Commander
	recorder  *audit.Recorder
	logger    Logger
	now       func() time.Time

	queue chan adapter.State
	stats mirrorStats

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a mirror. Call Start to begin.
func New(cfg Config, publisher Publisher, points PointWriter, commander Commander) *Mirror {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &Mirror{
		cfg:       cfg,
		publisher: publisher,
		points:    points,
		commander: commander,
		logger:    noopLogger{},
		now:       time.Now,
		queue:     make(chan adapter.State, cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Mirror) SetLogger(l Logger) {
	m.logger = l
}

// SetRecorder enables auditing of MQTT-originated commands.
func (m *Mirror) SetRecorder(r *audit.Recorder) {
	m.recorder = r
}

// Start subscribes to command topics (when a publisher and commander are
// set) and starts the worker. The worker stops when ctx is cancelled or
// Close is called.
func (m *Mirror) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		if m.publisher != nil && m.commander != nil {
			topic := mqtt.Topics{}.AllCommands()
			if subErr := m.publisher.Subscribe(topic, commandQoS, m.handleCommand); subErr != nil {
				err = fmt.Errorf("subscribing to %s: %w", topic, subErr)
				return
			}
			m.logger.Info("mqtt command ingress enabled", "topic", topic)
		}

		var runCtx context.Context
		runCtx, m.cancel = context.WithCancel(ctx)
		go m.run(runCtx)
	})
	return err
}

// Handle queues s for mirroring. It is safe to register directly as a
// Manager state observer.
func (m *Mirror) Handle(s adapter.State) {
	select {
	case m.queue <- s:
	default:
		if m.stats.dropped.Add(1)%100 == 1 {
			m.logger.Warn("mirror queue full, dropping states", "dropped", m.stats.dropped.Load())
		}
	}
}

func (m *Mirror) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case s := <-m.queue:
			m.mirror(s)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) mirror(s adapter.State) {
	ts := m.now().UTC()

	if m.publisher != nil {
		m.publish(s, ts)
	}

	if m.points != nil {
		if v, ok := numeric(s.Value); ok {
			m.points.WriteControlValue(s.Asset, s.Control, s.Adapter, v, ts)
			m.stats.points.Add(1)
		}
	}

	m.stats.mirrored.Add(1)
}

func (m *Mirror) publish(s adapter.State, ts time.Time) {
	if !mqtt.ValidSegment(s.Asset) || !mqtt.ValidSegment(s.Control) {
		m.logger.Debug("state not mirrored, id is not a valid topic level", "asset", s.Asset, "control", s.Control)
		return
	}

	payload, err := json.Marshal(StatePayload{
		Asset:   s.Asset,
		Control: s.Control,
		Value:   s.Value,
		Adapter: s.Adapter,
		TS:      ts.Format(time.RFC3339Nano),
	})
	if err != nil {
		m.stats.publishErrors.Add(1)
		m.logger.Warn("encoding mirrored state failed", "asset", s.Asset, "control", s.Control, "error", err)
		return
	}

	if err := m.publisher.PublishRetained(mqtt.Topics{}.State(s.Asset, s.Control), payload); err != nil {
		m.stats.publishErrors.Add(1)
		m.logger.Debug("mqtt state publish failed", "asset", s.Asset, "control", s.Control, "error", err)
	}
}

// numeric maps values InfluxDB can store as a float field.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// handleCommand is the MQTT handler for gateway/command/{asset}/{control}.
func (m *Mirror) handleCommand(topic string, payload []byte) error {
	assetID, controlKey, ok := mqtt.Topics{}.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("%w: unexpected topic %s", ErrInvalidCommand, topic)
	}

	value, err := decodeCommand(payload)
	if err != nil {
		m.stats.commandErrors.Add(1)
		return err
	}

	m.stats.commands.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()

	if err := m.commander.SetValue(ctx, assetID, controlKey, value); err != nil {
		m.stats.commandErrors.Add(1)
		return fmt.Errorf("mqtt command %s.%s: %w", assetID, controlKey, err)
	}

	m.recorder.Record(audit.Entry{
		Action:     audit.ActionControlSet,
		EntityType: audit.EntityControl,
		EntityID:   assetID + "." + controlKey,
		Source:     audit.SourceMQTT,
		Details:    map[string]any{"value": value},
	})
	return nil
}

func decodeCommand(payload []byte) (any, error) {
	var cmd map[string]json.RawMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	raw, ok := cmd["value"]
	if !ok {
		return nil, fmt.Errorf("%w: missing value", ErrInvalidCommand)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return v, nil
}

// Stats returns a snapshot of the mirror counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Mirrored:      m.stats.mirrored.Load(),
		Dropped:       m.stats.dropped.Load(),
		PublishErrors: m.stats.publishErrors.Load(),
		Points:        m.stats.points.Load(),
		Commands:      m.stats.commands.Load(),
		CommandErrors: m.stats.commandErrors.Load(),
	}
}

// Close stops the worker. Queued states that were not yet written are
// discarded.
func (m *Mirror) Close() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
	})
}
