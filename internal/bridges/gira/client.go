package gira

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/asset"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

const (
	defaultKey            = "GiraX1"
	defaultClientID       = "de.gateway.client"
	defaultPollInterval   = time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultBackoffBase    = time.Second
	defaultBackoffMax     = 30 * time.Second

	updateQueueSize = 256

	pathClients  = "clients"
	pathUIConfig = "uiconfig"
)

// Config holds REST client settings.
type Config struct {
	Key      string
	BaseURL  string
	ClientID string

	// Username and Password, when set, are sent as basic auth on
	// registration only.
	Username string
	Password string

	PollInterval   time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	InsecureSkipVerify bool
}

// FromConfig converts the YAML adapter section.
func FromConfig(c config.GiraConfig) Config {
	return Config{
		Key:                c.Key,
		BaseURL:            c.BaseURL,
		ClientID:           c.ClientID,
		Username:           c.Username,
		Password:           c.Password,
		PollInterval:       c.PollInterval(),
		RequestTimeout:     c.RequestTimeout(),
		BackoffBase:        c.BackoffBase(),
		BackoffMax:         c.BackoffMax(),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func (c *Config) applyDefaults() {
	if c.Key == "" {
		c.Key = defaultKey
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
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
	polls         atomic.Uint64
	pollErrors    atomic.Uint64
	registrations atomic.Uint64
	updates       atomic.Uint64
	writes        atomic.Uint64
	writeErrors   atomic.Uint64
}

var (
	_ adapter.Adapter          = (*Client)(nil)
	_ adapter.Snapshotter      = (*Client)(nil)
	_ adapter.Rememberer       = (*Client)(nil)
	_ adapter.StatsProvider    = (*Client)(nil)
	_ adapter.UIConfigProvider = (*Client)(nil)
)

// Client is the home-automation REST adapter.
//
// A single poll goroutine reads every selected control in turn. Any failure
// aborts the pass and the next one waits for the backoff delay; a clean
// pass resets the backoff and waits PollInterval. Auth failures drop the
// token and re-register before the next pass.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client

	tokenMu      sync.RWMutex
	token        string
	registration singleflight.Group

	backoff *adapter.Backoff
	cache   *adapter.ValueCache
	updates chan adapter.Update

	selMu     sync.RWMutex
	selection adapter.Selection

	// loopMu guards the running poll loop and the lifetime context.
	loopMu     sync.Mutex
	runCtx     context.Context
	cancelRun  context.CancelFunc
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	closed    atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	logger Logger
	stats  clientStats
}

// New creates a client. Nothing touches the network until Connect.
func New(cfg Config) *Client {
	cfg.applyDefaults()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // operator opt-in for self-signed device certificates
		}
	}

	base, _ := url.Parse(cfg.BaseURL)

	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		backoff:   adapter.NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		cache:     adapter.NewValueCache(),
		updates:   make(chan adapter.Update, updateQueueSize),
		selection: adapter.Selection{Boolean: map[string]bool{}},
		logger:    noopLogger{},
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

// Connect validates the base URL and starts polling the current selection.
// Registration happens on the first pass or command.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base url must be http(s)://host[/path], got %q", ErrInvalidConfig, c.cfg.BaseURL)
	}

	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.runCtx != nil || c.closed.Load() {
		return nil
	}
	c.runCtx, c.cancelRun = context.WithCancel(ctx)
	c.startLoopLocked()
	return nil
}

// SubscribeAll replaces the polled control set. A running loop is stopped
// before the selection changes and a new one is started for it.
func (c *Client) SubscribeAll(assets []asset.Asset) {
	sel := adapter.Select(assets, c.cfg.Key, isBooleanControl)

	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	c.stopLoopLocked()

	c.selMu.Lock()
	c.selection = sel
	c.selMu.Unlock()

	if removed := c.cache.Retain(sel.Set()); removed > 0 {
		c.logger.Debug("pruned cache entries", "count", removed)
	}
	c.logger.Info("controls selected", "count", len(sel.IDs))

	c.startLoopLocked()
}

// isBooleanControl marks switch-style controls.
func isBooleanControl(key string, desc asset.ControlDescriptor) bool {
	if strings.EqualFold(key, "power") || strings.EqualFold(key, "enabled") {
		return true
	}
	switch strings.ToLower(desc.Type) {
	case "bool", "boolean", "switch":
		return true
	}
	return false
}

func (c *Client) currentSelection() adapter.Selection {
	c.selMu.RLock()
	defer c.selMu.RUnlock()
	return c.selection
}

func (c *Client) stopLoopLocked() {
	if c.loopCancel == nil {
		return
	}
	c.loopCancel()
	<-c.loopDone
	c.loopCancel, c.loopDone = nil, nil
}

func (c *Client) startLoopLocked() {
	if c.runCtx == nil || c.closed.Load() {
		return
	}

	sel := c.currentSelection()
	if len(sel.IDs) == 0 {
		c.logger.Info("no controls selected, polling stopped")
		return
	}

	ctx, cancel := context.WithCancel(c.runCtx)
	done := make(chan struct{})
	c.loopCancel, c.loopDone = cancel, done

	c.wg.Add(1)
	go c.pollLoop(ctx, sel, done)
}

func (c *Client) pollLoop(ctx context.Context, sel adapter.Selection, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := c.pollOnce(ctx, sel)
		if ctx.Err() != nil {
			return
		}

		delay := c.cfg.PollInterval
		if err == nil {
			c.backoff.Reset()
		} else {
			c.stats.pollErrors.Add(1)
			delay = c.backoff.Next()
			c.logger.Warn("poll pass failed", "error", err, "retry_in", delay)

			// A rejected token is replaced now rather than on the next pass.
			if errors.Is(err, ErrAuth) && !errors.Is(err, ErrRegistrationFailed) {
				if _, rerr := c.refreshToken(ctx, c.currentToken()); rerr != nil {
					c.logger.Warn("re-registration failed", "error", rerr)
				}
			}
		}
		timer.Reset(delay)
	}
}

// pollOnce reads every selected control in order and stops at the first
// failure.
func (c *Client) pollOnce(ctx context.Context, sel adapter.Selection) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}

	for _, id := range sel.IDs {
		raw, err := c.readValue(ctx, token, id)
		if err != nil {
			return fmt.Errorf("reading %s: %w", id, err)
		}
		v, ok := adapter.NormalizeValue(raw, sel.Boolean[id])
		if !ok {
			c.logger.Debug("unsupported value ignored", "control_id", id)
			continue
		}
		if !c.cache.Store(id, v) {
			continue
		}
		c.stats.updates.Add(1)
		select {
		case c.updates <- adapter.Update{ControlID: id, Value: v}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.stats.polls.Add(1)
	return nil
}

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// ensureToken returns the stored token, registering when there is none.
// Concurrent callers share one registration.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if t := c.currentToken(); t != "" {
		return t, nil
	}
	v, err, _ := c.registration.Do("register", func() (any, error) {
		if t := c.currentToken(); t != "" {
			return t, nil
		}
		return c.registerClient(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refreshToken discards stale, unless another caller already replaced
// it, and returns a usable token.
func (c *Client) refreshToken(ctx context.Context, stale string) (string, error) {
	c.tokenMu.Lock()
	if c.token == stale {
		c.token = ""
	}
	c.tokenMu.Unlock()
	return c.ensureToken(ctx)
}

// withToken runs fn with a token and, on an auth failure, re-registers
// once and runs it again.
func (c *Client) withToken(ctx context.Context, fn func(token string) error) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	err = fn(token)
	if !errors.Is(err, ErrAuth) {
		return err
	}

	c.logger.Info("token rejected, re-registering")
	token, rerr := c.refreshToken(ctx, token)
	if rerr != nil {
		return fmt.Errorf("%w (re-registration: %w)", err, rerr)
	}
	return fn(token)
}

// SetValue writes a value by control id. Booleans are sent as 1/0. An auth
// failure is retried once after re-registering.
func (c *Client) SetValue(ctx context.Context, a asset.Asset, controlKey string, value any, controlID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	encoded := adapter.EncodeBool(value)
	err := c.withToken(ctx, func(token string) error {
		return c.writeValue(ctx, token, controlID, encoded)
	})
	if err != nil {
		c.stats.writeErrors.Add(1)
		c.logger.Error("value write failed", "asset", a.ID, "control", controlKey, "control_id", controlID, "error", err)
		return fmt.Errorf("setting %s: %w", controlID, err)
	}
	c.stats.writes.Add(1)
	return nil
}

// UIConfig returns the device's UI configuration document verbatim.
func (c *Client) UIConfig(ctx context.Context) (json.RawMessage, error) {
	var out []byte
	err := c.withToken(ctx, func(token string) error {
		data, err := c.do(ctx, http.MethodGet, pathUIConfig, token, nil)
		out = data
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("%w: uiconfig is not JSON", ErrMalformedResponse)
	}
	return json.RawMessage(out), nil
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

// IsRegistered reports whether a token is held.
func (c *Client) IsRegistered() bool {
	return c.currentToken() != ""
}

// Stats returns runtime counters.
func (c *Client) Stats() map[string]any {
	return map[string]any{
		"registered":    c.IsRegistered(),
		"base_url":      c.cfg.BaseURL,
		"controls":      len(c.currentSelection().IDs),
		"cached":        c.cache.Len(),
		"polls":         c.stats.polls.Load(),
		"poll_errors":   c.stats.pollErrors.Load(),
		"registrations": c.stats.registrations.Load(),
		"updates":       c.stats.updates.Load(),
		"writes":        c.stats.writes.Load(),
		"write_errors":  c.stats.writeErrors.Load(),
		"next_backoff":  c.backoff.Peek().String(),
	}
}

// Close stops polling and closes Updates.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.loopMu.Lock()
		if c.cancelRun != nil {
			c.cancelRun()
		}
		if c.loopCancel != nil {
			c.loopCancel()
		}
		c.loopMu.Unlock()

		c.wg.Wait()
		close(c.updates)
		c.http.CloseIdleConnections()
	})
	return nil
}
