package adapter

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/gray-logic-gateway/internal/asset"
)

// Update is a raw value change reported by an adapter, keyed by the
// adapter-local control id.
type Update struct {
	ControlID string
	Value     any
}

// State is an update translated to asset scope. It is the payload of the
// "state" stream consumed by the front door and the mirror.
type State struct {
	Asset   string `json:"asset"`
	Control string `json:"control"`
	Value   any    `json:"value"`
	Adapter string `json:"adapter,omitempty"`
}

// Adapter is a protocol client that can be plugged into the Manager.
//
// Implementations own their connection lifecycle. SubscribeAll receives the
// full asset list; the adapter selects the assets whose Adapter field
// matches its own key. It may be called at any time, including while
// connected, and must not force a reconnect.
type Adapter interface {
	// Connect starts the adapter's background session. It returns once the
	// session goroutine is running; connection failures are retried
	// internally and never surface here after startup validation.
	Connect(ctx context.Context) error

	// SubscribeAll replaces the adapter's working control set.
	SubscribeAll(assets []asset.Asset)

	// SetValue writes value to the device control identified by controlID.
	// controlKey is the asset-local key, passed so adapters can apply
	// key-specific encoding (e.g. booleans to 1/0).
	SetValue(ctx context.Context, a asset.Asset, controlKey string, value any, controlID string) error

	// Updates delivers value changes. The channel is closed by Close.
	Updates() <-chan Update

	// Close stops the session and releases resources.
	Close() error
}

// Snapshotter is implemented by adapters that can report their cached
// values keyed by control id.
type Snapshotter interface {
	Snapshot() map[string]any
}

// Rememberer is implemented by adapters that keep a value cache. Remember
// records a value just written through the adapter as the cached state,
// ahead of the device confirming it, without emitting an Update.
type Rememberer interface {
	Remember(controlID string, value any)
}

// StatsProvider is implemented by adapters that expose runtime counters.
type StatsProvider interface {
	Stats() map[string]any
}

// UIConfigProvider is implemented by adapters that can hand the asset
// editor a device-side catalogue of controls.
type UIConfigProvider interface {
	UIConfig(ctx context.Context) (json.RawMessage, error)
}
