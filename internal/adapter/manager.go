package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-gateway/internal/asset"
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StateHandler receives translated state changes.
type StateHandler func(State)

// Manager owns the asset registry and every registered adapter. It routes
// commands from asset scope to adapter scope and translates adapter
// updates back to asset scope.
//
// All public methods are thread-safe.
type Manager struct {
	registry *asset.Registry

	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	closed   bool

	obsMu     sync.RWMutex
	observers map[uint64]StateHandler
	nextObs   uint64

	relays sync.WaitGroup
	logger Logger

	stats managerStats
}

type managerStats struct {
	forwarded atomic.Uint64
	dropped   atomic.Uint64
	commands  atomic.Uint64
	rejected  atomic.Uint64
}

// Stats holds Manager counters.
type Stats struct {
	Adapters  int    `json:"adapters"`
	Forwarded uint64 `json:"states_forwarded"`
	Dropped   uint64 `json:"unknown_controls_dropped"`
	Commands  uint64 `json:"commands"`
	Rejected  uint64 `json:"commands_rejected"`
}

// NewManager creates a Manager around registry. A nil registry gets a
// fresh empty one.
func NewManager(registry *asset.Registry) *Manager {
	if registry == nil {
		registry = asset.NewRegistry()
	}
	return &Manager{
		registry:  registry,
		adapters:  make(map[string]Adapter),
		observers: make(map[uint64]StateHandler),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Registry returns the asset registry the manager routes against.
func (m *Manager) Registry() *asset.Registry {
	return m.registry
}

// RegisterAdapter stores a under key and starts relaying its updates.
func (m *Manager) RegisterAdapter(key string, a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if _, exists := m.adapters[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, key)
	}

	m.adapters[key] = a
	m.order = append(m.order, key)

	m.relays.Add(1)
	go m.relay(key, a)

	m.logger.Info("adapter registered", "adapter", key)
	return nil
}

// relay translates updates until the adapter closes its channel.
func (m *Manager) relay(key string, a Adapter) {
	defer m.relays.Done()

	for u := range a.Updates() {
		ref, ok := m.registry.ControlLocation(u.ControlID)
		if !ok {
			// Devices may report controls the document no longer lists.
			m.stats.dropped.Add(1)
			m.logger.Debug("update for unknown control dropped", "adapter", key, "control_id", u.ControlID)
			continue
		}
		m.stats.forwarded.Add(1)
		m.emit(State{
			Asset:   ref.AssetID,
			Control: ref.ControlKey,
			Value:   u.Value,
			Adapter: key,
		})
	}
}

// OnState registers fn for every translated state change and returns a
// function that removes it.
func (m *Manager) OnState(fn StateHandler) (cancel func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			delete(m.observers, id)
			m.obsMu.Unlock()
		})
	}
}

func (m *Manager) emit(s State) {
	m.obsMu.RLock()
	handlers := make([]StateHandler, 0, len(m.observers))
	for _, h := range m.observers {
		handlers = append(handlers, h)
	}
	m.obsMu.RUnlock()

	for _, h := range handlers {
		m.callHandler(h, s)
	}
}

func (m *Manager) callHandler(h StateHandler, s State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state handler panic recovered", "asset", s.Asset, "control", s.Control, "panic", r)
		}
	}()
	h(s)
}

// snapshotAdapters returns adapters in registration order.
func (m *Manager) snapshotAdapters() ([]string, []Adapter) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := append([]string(nil), m.order...)
	list := make([]Adapter, len(keys))
	for i, k := range keys {
		list[i] = m.adapters[k]
	}
	return keys, list
}

// ConnectAll connects every adapter. A failing adapter is logged and does
// not prevent the others from connecting.
func (m *Manager) ConnectAll(ctx context.Context) {
	keys, list := m.snapshotAdapters()
	for i, a := range list {
		if err := m.connectOne(ctx, keys[i], a); err != nil {
			m.logger.Error("adapter connect failed", "adapter", keys[i], "error", err)
			continue
		}
		m.logger.Info("adapter started", "adapter", keys[i])
	}
}

func (m *Manager) connectOne(ctx context.Context, key string, a Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter %s panicked during connect: %v", key, r)
		}
	}()
	return a.Connect(ctx)
}

// SetAssets replaces the active document and re-subscribes every adapter
// with the full asset list. Adapters pick their own subset. A nil doc
// clears the document (see asset.Registry.Replace).
func (m *Manager) SetAssets(doc *asset.Document) {
	m.registry.Replace(doc)
	m.subscribeAll(m.registry.Assets())
}

// LoadAssets loads the document at path and applies it like SetAssets.
// On error the previous document and subscriptions stay in place.
func (m *Manager) LoadAssets(path string) error {
	doc, err := m.registry.LoadFile(path)
	if err != nil {
		m.logger.Error("asset document rejected", "path", path, "error", err)
		return err
	}
	m.subscribeAll(doc.Assets)
	return nil
}

func (m *Manager) subscribeAll(assets []asset.Asset) {
	keys, list := m.snapshotAdapters()
	for i, a := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("adapter subscribe panic recovered", "adapter", keys[i], "panic", r)
				}
			}()
			a.SubscribeAll(assets)
		}()
	}
}

// SetValue resolves assetID and controlKey to an adapter-local control id
// and forwards the write.
//
// Returns ErrAssetNotFound, ErrAdapterNotFound or ErrControlIDMissing when
// resolution fails, otherwise whatever the adapter returns.
func (m *Manager) SetValue(ctx context.Context, assetID, controlKey string, value any) error {
	m.stats.commands.Add(1)

	a, ok := m.registry.AssetByID(assetID)
	if !ok {
		m.stats.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrAssetNotFound, assetID)
	}

	m.mu.RLock()
	ad, ok := m.adapters[a.Adapter]
	m.mu.RUnlock()
	if !ok {
		m.stats.rejected.Add(1)
		return fmt.Errorf("%w: %q for asset %s", ErrAdapterNotFound, a.Adapter, assetID)
	}

	desc, ok := a.Controls[controlKey]
	if !ok || desc.ControlID() == "" {
		m.stats.rejected.Add(1)
		return fmt.Errorf("%w: %s.%s", ErrControlIDMissing, assetID, controlKey)
	}

	return ad.SetValue(ctx, a, controlKey, value, desc.ControlID())
}

// Remember hands a successfully written value to the owning adapter's
// cache so snapshots agree with the optimistic echo. Adapters without a
// cache and unresolvable controls are ignored.
func (m *Manager) Remember(assetID, controlKey string, value any) {
	a, ok := m.registry.AssetByID(assetID)
	if !ok {
		return
	}
	id := a.Controls[controlKey].ControlID()
	if id == "" {
		return
	}

	m.mu.RLock()
	ad := m.adapters[a.Adapter]
	m.mu.RUnlock()

	if r, ok := ad.(Rememberer); ok {
		r.Remember(id, value)
	}
}

// Snapshot translates every adapter's cached values to asset scope.
// Ids the active document does not know are left out.
func (m *Manager) Snapshot() []State {
	keys, list := m.snapshotAdapters()

	var states []State
	for i, a := range list {
		snap, ok := a.(Snapshotter)
		if !ok {
			continue
		}
		for id, v := range snap.Snapshot() {
			ref, ok := m.registry.ControlLocation(id)
			if !ok {
				continue
			}
			states = append(states, State{Asset: ref.AssetID, Control: ref.ControlKey, Value: v, Adapter: keys[i]})
		}
	}

	sort.Slice(states, func(i, j int) bool {
		if states[i].Asset != states[j].Asset {
			return states[i].Asset < states[j].Asset
		}
		return states[i].Control < states[j].Control
	})
	return states
}

// Adapter returns the adapter registered under key.
func (m *Manager) Adapter(key string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[key]
	return a, ok
}

// Keys returns adapter keys in registration order.
func (m *Manager) Keys() []string {
	keys, _ := m.snapshotAdapters()
	return keys
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.adapters)
	m.mu.RUnlock()

	return Stats{
		Adapters:  n,
		Forwarded: m.stats.forwarded.Load(),
		Dropped:   m.stats.dropped.Load(),
		Commands:  m.stats.commands.Load(),
		Rejected:  m.stats.rejected.Load(),
	}
}

// Close closes every adapter and waits for their relays to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	keys, list := m.snapshotAdapters()
	var firstErr error
	for i, a := range list {
		if err := a.Close(); err != nil {
			m.logger.Warn("adapter close failed", "adapter", keys[i], "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.relays.Wait()
	return firstErr
}
