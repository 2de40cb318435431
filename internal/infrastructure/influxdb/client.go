package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client records control values in an InfluxDB 2.x bucket.
//
// Points are queued on the library's batching write API and never block
// the caller. Delivery failures surface through SetOnError.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	open atomic.Bool

	mu      sync.RWMutex
	onError func(error)
}

// batchOptions sizes the write batches from config, falling back to
// library-friendly values for zero or negative settings.
func batchOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	size := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		size = uint(cfg.BatchSize) // #nosec G115 -- checked positive
	}
	interval := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		interval = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(size).
		SetFlushInterval(uint(interval.Milliseconds())) // #nosec G115 -- positive duration
}

// Connect pings the server and opens the write API for cfg.Org/cfg.Bucket.
// Returns ErrDisabled when telemetry is switched off.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	raw := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, batchOptions(cfg))
	if err := ping(context.Background(), raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c := &Client{
		client:   raw,
		writeAPI: raw.WriteAPI(cfg.Org, cfg.Bucket),
	}
	c.open.Store(true)

	go c.forwardErrors(c.writeAPI.Errors())
	return c, nil
}

func ping(ctx context.Context, raw influxdb2.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	ok, err := raw.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnhealthy
	}
	return nil
}

// forwardErrors runs until the write API is closed.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		fn := c.onError
		c.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError installs the callback for asynchronous write failures.
func (c *Client) SetOnError(fn func(err error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	return c.open.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until queued points have been handed to the HTTP writer.
// It does nothing after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Close flushes queued points and releases the client. Safe to call twice.
func (c *Client) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
