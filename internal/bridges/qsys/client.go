package qsys

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/asset"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// Default timeouts and intervals for device communication.
const (
	defaultPort              = 1710
	defaultUser              = "admin"
	defaultChangeGroupID     = "codex-gateway"
	defaultPollInterval      = 250 * time.Millisecond
	defaultKeepaliveInterval = 30 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 30 * time.Second

	// updateQueueSize buffers translated updates for the Manager relay.
	updateQueueSize = 256
)

// Config holds DSP client settings.
type Config struct {
	// Key is the adapter key assets use to select this client.
	Key string

	// Host and Port address the raw TCP transport.
	Host string
	Port int

	// URL selects the WebSocket transport when set.
	URL string
	WS  WSOptions

	User     string
	Password string

	ChangeGroupID     string
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
	RequestTimeout    time.Duration
	ConnectTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// FromConfig converts the YAML adapter section.
func FromConfig(c config.QSYSConfig) Config {
	return Config{
		Key:      c.Key,
		Host:     c.Host,
		Port:     c.Port,
		URL:      c.URL,
		User:     c.User,
		Password: c.Password,
		WS: WSOptions{
			InsecureSkipVerify: c.InsecureSkipVerify,
			MinVersion:         tlsVersion(c.TLSMinVersion),
			DisableSNI:         c.DisableSNI,
		},
		ChangeGroupID:     c.ChangeGroupID,
		PollInterval:      c.PollInterval(),
		KeepaliveInterval: c.KeepaliveInterval(),
		RequestTimeout:    c.RequestTimeout(),
		BackoffBase:       c.BackoffBase(),
		BackoffMax:        c.BackoffMax(),
	}
}

func (c *Config) applyDefaults() {
	if c.Key == "" {
		c.Key = "QSYS"
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.User == "" {
		c.User = defaultUser
	}
	if c.ChangeGroupID == "" {
		c.ChangeGroupID = defaultChangeGroupID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
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

type clientStats struct {
	framesRx   atomic.Uint64
	framesTx   atomic.Uint64
	malformed  atomic.Uint64
	polls      atomic.Uint64
	rpcErrors  atomic.Uint64
	updates    atomic.Uint64
	reconnects atomic.Uint64
}

// Ensure Client implements the adapter capabilities it advertises.
var (
	_ adapter.Adapter       = (*Client)(nil)
	_ adapter.Snapshotter   = (*Client)(nil)
	_ adapter.Rememberer    = (*Client)(nil)
	_ adapter.StatsProvider = (*Client)(nil)
)

// Client is the DSP control adapter.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - One session goroutine owns the connection; SubscribeAll signals it
//     rather than touching the wire directly.
//
// Auto-Reconnection:
//   - Any transport error, malformed stream or Logon failure ends the
//     session. The next attempt waits BackoffBase, doubling up to
//     BackoffMax, and the delay resets after a successful Logon.
//   - Reconnection stops only when Close() is called.
type Client struct {
	cfg     Config
	backoff *adapter.Backoff
	cache   *adapter.ValueCache
	updates chan adapter.Update

	// Working control set, replaced by SubscribeAll.
	selMu     sync.RWMutex
	selection adapter.Selection

	// resubscribe wakes the session loop after SubscribeAll.
	resubscribe chan struct{}

	sessMu    sync.RWMutex
	sess      *session
	connected atomic.Bool

	started   atomic.Bool
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	done      *closeOnce
	wg        sync.WaitGroup
	closeOnce sync.Once

	logger Logger
	stats  clientStats
}

// New creates a client. Nothing touches the network until Connect.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:         cfg,
		backoff:     adapter.NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		cache:       adapter.NewValueCache(),
		updates:     make(chan adapter.Update, updateQueueSize),
		selection:   adapter.Selection{Boolean: map[string]bool{}},
		resubscribe: make(chan struct{}, 1),
		done:        newCloseOnce(),
		logger:      noopLogger{},
	}
}

// SetLogger sets the logger. Call before Connect.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// Key returns the adapter key.
func (c *Client) Key() string {
	return c.cfg.Key
}

// Connect validates the address and starts the session goroutine.
// Network failures after this point are retried in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" && c.cfg.Host == "" {
		return fmt.Errorf("%w: host or url required", ErrInvalidConfig)
	}
	if c.cfg.URL != "" {
		if _, err := qrcURL(c.cfg.URL); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	// cancelMu orders this against Close: either Close sees the cancel
	// func and waits for run, or Connect sees done and never starts it.
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()

	select {
	case <-c.done.Done():
		return ErrClosed
	default:
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// run keeps a session alive until Close or ctx cancellation.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.runSession(ctx)
		c.connected.Store(false)

		if c.stopping(ctx) {
			return
		}

		delay := c.backoff.Next()
		c.logger.Warn("session ended, reconnecting", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.done.Done():
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
		c.stats.reconnects.Add(1)
	}
}

func (c *Client) stopping(ctx context.Context) bool {
	select {
	case <-c.done.Done():
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Client) dial(ctx context.Context) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if c.cfg.URL != "" {
		return dialWebSocket(ctx, c.cfg.URL, c.cfg.WS)
	}
	return dialTCP(ctx, net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)))
}

// runSession connects, logs on, subscribes and services timers until the
// session ends. The returned error describes why.
func (c *Client) runSession(ctx context.Context) error {
	t, err := c.dial(ctx)
	if err != nil {
		return err
	}

	s := newSession(t, c.handleNotification, c.logger, &c.stats)
	defer func() {
		c.setSession(nil)
		s.close(nil)
		s.wait()
	}()

	if _, err := c.call(ctx, s, methodLogon, logonParams{User: c.cfg.User, Password: c.cfg.Password}); err != nil {
		return fmt.Errorf("%w: %w", ErrLogonFailed, err)
	}

	c.backoff.Reset()
	c.setSession(s)
	c.connected.Store(true)
	c.logger.Info("logon ok", "target", c.target(), "user", c.cfg.User)

	poll := &ticker{}
	defer poll.Stop()
	keepalive := &ticker{}
	defer keepalive.Stop()

	// A SubscribeAll that raced with the connect is covered by this pass.
	drain(c.resubscribe)
	c.subscribe(ctx, s, poll)
	keepalive.Start(c.cfg.KeepaliveInterval)

	for {
		select {
		case <-s.done():
			return s.err()
		case <-c.done.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.resubscribe:
			c.subscribe(ctx, s, poll)
		case <-poll.C():
			c.poll(ctx, s)
		case <-keepalive.C():
			if _, err := c.call(ctx, s, methodNoOp, struct{}{}); err != nil {
				c.logger.Debug("keepalive failed", "error", err)
			}
		}
	}
}

// subscribe recreates the change group for the current selection and
// starts polling. Polling stays stopped when there is nothing to watch or
// the group could not be built.
func (c *Client) subscribe(ctx context.Context, s *session, poll *ticker) {
	poll.Stop()

	ids := c.currentSelection().IDs
	group := groupParams{ID: c.cfg.ChangeGroupID}

	// The group may not exist yet.
	if _, err := c.call(ctx, s, methodCGDestroy, group); err != nil {
		c.logger.Debug("change group destroy ignored", "error", err)
	}

	if len(ids) == 0 {
		c.logger.Info("no controls selected, polling stopped")
		return
	}

	if _, err := c.call(ctx, s, methodCGAddControl, addControlParams{ID: c.cfg.ChangeGroupID, Controls: ids}); err != nil {
		c.logger.Error("change group add control failed", "error", err, "controls", len(ids))
		return
	}
	if _, err := c.call(ctx, s, methodCGInvalidate, group); err != nil {
		c.logger.Warn("change group invalidate failed", "error", err)
	}

	c.logger.Info("change group ready", "group", c.cfg.ChangeGroupID, "controls", len(ids))

	c.poll(ctx, s)
	poll.Start(c.cfg.PollInterval)
}

func (c *Client) poll(ctx context.Context, s *session) {
	res, err := c.call(ctx, s, methodCGPoll, groupParams{ID: c.cfg.ChangeGroupID})
	if err != nil {
		c.logger.Debug("change group poll failed", "error", err)
		return
	}
	c.stats.polls.Add(1)
	for _, item := range decodeChanges(res) {
		c.applyChange(item)
	}
}

// applyChange normalizes one report, updates the cache unconditionally
// and emits only when the value changed.
func (c *Client) applyChange(item changeItem) {
	id := item.controlID()
	if id == "" {
		return
	}
	raw, ok := item.rawValue()
	if !ok {
		return
	}
	v, ok := adapter.NormalizeValue(raw, c.isBoolean(id))
	if !ok {
		return
	}
	if !c.cache.Store(id, v) {
		return
	}
	c.stats.updates.Add(1)

	select {
	case c.updates <- adapter.Update{ControlID: id, Value: v}:
	case <-c.done.Done():
	}
}

// handleNotification runs on the session reader goroutine.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method == notificationEngine {
		var st engineStatus
		if err := json.Unmarshal(params, &st); err == nil {
			c.logger.Info("engine status", "state", st.State, "design", st.DesignName, "platform", st.Platform)
		}
		return
	}

	// Other notifications may carry control reports, singly or as a list.
	var items []changeItem
	if err := json.Unmarshal(params, &items); err != nil {
		var one changeItem
		if err := json.Unmarshal(params, &one); err != nil {
			c.logger.Debug("notification ignored", "method", method)
			return
		}
		items = []changeItem{one}
	}
	for _, item := range items {
		c.applyChange(item)
	}
}

// call wraps session.call with the per-request timeout and error counting.
func (c *Client) call(ctx context.Context, s *session, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	res, err := s.call(ctx, method, params)
	if err != nil {
		c.stats.rpcErrors.Add(1)
	}
	return res, err
}

// SubscribeAll replaces the working control set. When a session is up the
// change group is rebuilt on it without reconnecting.
func (c *Client) SubscribeAll(assets []asset.Asset) {
	sel := adapter.Select(assets, c.cfg.Key, isBooleanControl)

	c.selMu.Lock()
	c.selection = sel
	c.selMu.Unlock()

	if removed := c.cache.Retain(sel.Set()); removed > 0 {
		c.logger.Debug("pruned cache entries", "count", removed)
	}

	select {
	case c.resubscribe <- struct{}{}:
	default:
	}
	c.logger.Info("controls selected", "count", len(sel.IDs))
}

// isBooleanControl marks mute-style controls.
func isBooleanControl(key string, desc asset.ControlDescriptor) bool {
	if strings.EqualFold(key, "mute") {
		return true
	}
	switch strings.ToLower(desc.Type) {
	case "bool", "boolean", "toggle", "mute":
		return true
	}
	return false
}

func (c *Client) currentSelection() adapter.Selection {
	c.selMu.RLock()
	defer c.selMu.RUnlock()
	return c.selection
}

func (c *Client) isBoolean(id string) bool {
	c.selMu.RLock()
	defer c.selMu.RUnlock()
	return c.selection.Boolean[id]
}

func (c *Client) setSession(s *session) {
	c.sessMu.Lock()
	c.sess = s
	c.sessMu.Unlock()
}

func (c *Client) currentSession() *session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.sess
}

// SetValue issues Control.Set. Booleans are sent as 1/0. Failures are
// logged and returned; the next poll reconciles state.
func (c *Client) SetValue(ctx context.Context, a asset.Asset, controlKey string, value any, controlID string) error {
	s := c.currentSession()
	if s == nil {
		c.logger.Warn("set dropped while disconnected", "asset", a.ID, "control", controlKey)
		return ErrNotConnected
	}

	_, err := c.call(ctx, s, methodControlSet, setParams{Name: controlID, Value: adapter.EncodeBool(value)})
	if err != nil {
		c.logger.Error("control set failed", "asset", a.ID, "control", controlKey, "control_id", controlID, "error", err)
		return fmt.Errorf("setting %s: %w", controlID, err)
	}
	return nil
}

// Get reads one control directly, bypassing the change group.
func (c *Client) Get(ctx context.Context, controlID string) (any, error) {
	s := c.currentSession()
	if s == nil {
		return nil, ErrNotConnected
	}
	res, err := c.call(ctx, s, methodControlGet, []string{controlID})
	if err != nil {
		return nil, err
	}
	for _, item := range decodeChanges(res) {
		if item.controlID() != controlID {
			continue
		}
		raw, ok := item.rawValue()
		if !ok {
			break
		}
		v, _ := adapter.NormalizeValue(raw, c.isBoolean(controlID))
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownControl, controlID)
}

// Updates delivers value changes. Closed by Close.
func (c *Client) Updates() <-chan adapter.Update {
	return c.updates
}

// Remember caches a value written through the gateway so snapshots match
// the optimistic echo. The device's next report overwrites it. Ids outside
// the selection are ignored.
func (c *Client) Remember(controlID string, value any) {
	sel := c.currentSelection()
	if !sel.Has(controlID) {
		return
	}
	if v, ok := adapter.NormalizeValue(value, sel.Boolean[controlID]); ok {
		c.cache.Store(controlID, v)
	}
}

// Snapshot returns the cached values keyed by control id.
func (c *Client) Snapshot() map[string]any {
	return c.cache.Snapshot()
}

// IsConnected reports whether a logged-on session is active.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns runtime counters.
func (c *Client) Stats() map[string]any {
	return map[string]any{
		"connected":    c.connected.Load(),
		"target":       c.target(),
		"controls":     len(c.currentSelection().IDs),
		"cached":       c.cache.Len(),
		"frames_rx":    c.stats.framesRx.Load(),
		"frames_tx":    c.stats.framesTx.Load(),
		"malformed":    c.stats.malformed.Load(),
		"polls":        c.stats.polls.Load(),
		"rpc_errors":   c.stats.rpcErrors.Load(),
		"updates":      c.stats.updates.Load(),
		"reconnects":   c.stats.reconnects.Load(),
		"next_backoff": c.backoff.Peek().String(),
	}
}

func (c *Client) target() string {
	if c.cfg.URL != "" {
		return c.cfg.URL
	}
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Close stops the session goroutine and closes Updates.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancelMu.Lock()
		c.done.Close()
		if c.cancel != nil {
			c.cancel()
		}
		c.cancelMu.Unlock()
		if s := c.currentSession(); s != nil {
			s.close(nil)
		}
		c.wg.Wait()
		close(c.updates)
	})
	return nil
}

// ticker is a restartable time.Ticker whose channel is nil while stopped,
// so a select case on it simply never fires.
type ticker struct {
	t *time.Ticker
}

func (k *ticker) Start(d time.Duration) {
	k.Stop()
	k.t = time.NewTicker(d)
}

// Stop is idempotent.
func (k *ticker) Stop() {
	if k.t != nil {
		k.t.Stop()
		k.t = nil
	}
}

func (k *ticker) C() <-chan time.Time {
	if k.t == nil {
		return nil
	}
	return k.t.C
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
