package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/asset"
)

// fakeAdapter records calls and lets tests push updates.
type fakeAdapter struct {
	mu         sync.Mutex
	updates    chan Update
	subscribed [][]asset.Asset
	sets       []setCall
	connectErr error
	panicOn    string
	closeOnce  sync.Once
	cache      map[string]any
}

type setCall struct {
	assetID   string
	key       string
	value     any
	controlID string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{updates: make(chan Update, 16), cache: map[string]any{}}
}

func (f *fakeAdapter) Connect(context.Context) error {
	if f.panicOn == "connect" {
		panic("boom")
	}
	return f.connectErr
}

func (f *fakeAdapter) SubscribeAll(assets []asset.Asset) {
	if f.panicOn == "subscribe" {
		panic("boom")
	}
	f.mu.Lock()
	f.subscribed = append(f.subscribed, assets)
	f.mu.Unlock()
}

func (f *fakeAdapter) SetValue(_ context.Context, a asset.Asset, key string, value any, id string) error {
	f.mu.Lock()
	f.sets = append(f.sets, setCall{a.ID, key, value, id})
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Updates() <-chan Update { return f.updates }

func (f *fakeAdapter) Close() error {
	f.closeOnce.Do(func() { close(f.updates) })
	return nil
}

func (f *fakeAdapter) Snapshot() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(f.cache))
	for k, v := range f.cache {
		out[k] = v
	}
	return out
}

func (f *fakeAdapter) Remember(id string, v any) {
	f.mu.Lock()
	f.cache[id] = v
	f.mu.Unlock()
}

func (f *fakeAdapter) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func mustParse(t *testing.T, s string) *asset.Document {
	t.Helper()
	doc, err := asset.Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return doc
}

const managerDoc = `{"version": "1", "assets": [
	{"id": "amp-1", "adapter": "QSYS", "controls": {"gain": "Zone1Gain", "mute": "mute-17"}},
	{"id": "orphan", "adapter": "Nope", "controls": {"gain": "x"}},
	{"id": "light-1", "adapter": "GiraX1", "controls": {"power": "a1b2", "blank": {"id": ""}}}
]}`

func collectStates(m *Manager) (<-chan State, func()) {
	ch := make(chan State, 16)
	cancel := m.OnState(func(s State) { ch <- s })
	return ch, cancel
}

func waitState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state")
		return State{}
	}
}

func expectNoState(t *testing.T, ch <-chan State) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected state %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_TranslatesUpdates(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	if err := m.RegisterAdapter("QSYS", qsys); err != nil {
		t.Fatal(err)
	}
	defer m.Close() //nolint:errcheck // test cleanup

	m.SetAssets(mustParse(t, managerDoc))
	states, cancel := collectStates(m)
	defer cancel()

	// Mute mapping: the adapter normalizes, the manager translates.
	v, _ := NormalizeValue(1, true)
	qsys.updates <- Update{ControlID: "mute-17", Value: v}

	got := waitState(t, states)
	want := State{Asset: "amp-1", Control: "mute", Value: true, Adapter: "QSYS"}
	if got != want {
		t.Errorf("state = %+v, want %+v", got, want)
	}

	qsys.updates <- Update{ControlID: "not-in-document", Value: 1.0}
	expectNoState(t, states)

	if s := m.Stats(); s.Dropped != 1 || s.Forwarded != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestManager_ResubscribeOnReplace(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	gira := newFakeAdapter()
	_ = m.RegisterAdapter("QSYS", qsys)
	_ = m.RegisterAdapter("GiraX1", gira)
	defer m.Close() //nolint:errcheck // test cleanup

	m.SetAssets(mustParse(t, managerDoc))

	// Every adapter sees the full list, unfiltered.
	for name, f := range map[string]*fakeAdapter{"QSYS": qsys, "GiraX1": gira} {
		if f.subscribeCount() != 1 {
			t.Fatalf("%s subscribe count = %d", name, f.subscribeCount())
		}
		if got := len(f.subscribed[0]); got != 3 {
			t.Errorf("%s received %d assets, want 3", name, got)
		}
	}

	states, cancel := collectStates(m)
	defer cancel()

	m.SetAssets(mustParse(t, `{"version": "2", "assets": [
		{"id": "amp-1", "adapter": "QSYS", "controls": {"gain": "Zone1Gain"}}
	]}`))
	if qsys.subscribeCount() != 2 {
		t.Errorf("replace should re-subscribe, count = %d", qsys.subscribeCount())
	}

	// Removed control id no longer resolves.
	qsys.updates <- Update{ControlID: "mute-17", Value: true}
	expectNoState(t, states)

	qsys.updates <- Update{ControlID: "Zone1Gain", Value: -3.0}
	if got := waitState(t, states); got.Control != "gain" || got.Value != -3.0 {
		t.Errorf("state = %+v", got)
	}
}

func TestManager_SetValueResolution(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	_ = m.RegisterAdapter("QSYS", qsys)
	defer m.Close() //nolint:errcheck // test cleanup
	m.SetAssets(mustParse(t, managerDoc))

	tests := []struct {
		name    string
		assetID string
		key     string
		wantErr error
	}{
		{"missing asset", "missing-asset", "gain", ErrAssetNotFound},
		{"unknown adapter", "orphan", "gain", ErrAdapterNotFound},
		{"unknown control", "amp-1", "nonexistent-control", ErrControlIDMissing},
		{"resolves", "amp-1", "gain", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.SetValue(context.Background(), tt.assetID, tt.key, 0)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("SetValue() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetValue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if len(qsys.sets) != 1 || qsys.sets[0].controlID != "Zone1Gain" || qsys.sets[0].key != "gain" {
		t.Errorf("adapter calls = %+v", qsys.sets)
	}
}

func TestManager_EmptyControlIDIsMissing(t *testing.T) {
	m := NewManager(nil)
	_ = m.RegisterAdapter("GiraX1", newFakeAdapter())
	defer m.Close() //nolint:errcheck // test cleanup
	m.SetAssets(mustParse(t, managerDoc))

	err := m.SetValue(context.Background(), "light-1", "blank", true)
	if !errors.Is(err, ErrControlIDMissing) {
		t.Errorf("SetValue() error = %v, want ErrControlIDMissing", err)
	}
}

func TestManager_ConnectAllIsolatesFailures(t *testing.T) {
	m := NewManager(nil)
	failing := newFakeAdapter()
	failing.connectErr = errors.New("refused")
	panicking := newFakeAdapter()
	panicking.panicOn = "connect"
	ok := newFakeAdapter()

	_ = m.RegisterAdapter("a", failing)
	_ = m.RegisterAdapter("b", panicking)
	_ = m.RegisterAdapter("c", ok)
	defer m.Close() //nolint:errcheck // test cleanup

	m.ConnectAll(context.Background())

	if err := m.connectOne(context.Background(), "b", panicking); err == nil {
		t.Error("panic during connect should surface as an error")
	}
}

func TestManager_SubscribePanicIsolated(t *testing.T) {
	m := NewManager(nil)
	bad := newFakeAdapter()
	bad.panicOn = "subscribe"
	good := newFakeAdapter()
	_ = m.RegisterAdapter("bad", bad)
	_ = m.RegisterAdapter("good", good)
	defer m.Close() //nolint:errcheck // test cleanup

	m.SetAssets(mustParse(t, managerDoc))

	if good.subscribeCount() != 1 {
		t.Error("adapter after a panicking one should still be subscribed")
	}
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(nil)
	defer m.Close() //nolint:errcheck // test cleanup
	_ = m.RegisterAdapter("QSYS", newFakeAdapter())

	if err := m.RegisterAdapter("QSYS", newFakeAdapter()); !errors.Is(err, ErrDuplicateAdapter) {
		t.Errorf("RegisterAdapter() error = %v, want ErrDuplicateAdapter", err)
	}
}

func TestManager_ObserverCancelAndPanic(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	_ = m.RegisterAdapter("QSYS", qsys)
	defer m.Close() //nolint:errcheck // test cleanup
	m.SetAssets(mustParse(t, managerDoc))

	cancelPanicky := m.OnState(func(State) { panic("observer bug") })
	defer cancelPanicky()

	states, cancel := collectStates(m)
	qsys.updates <- Update{ControlID: "Zone1Gain", Value: 1.0}
	waitState(t, states)

	cancel()
	cancel()
	qsys.updates <- Update{ControlID: "Zone1Gain", Value: 2.0}
	expectNoState(t, states)
}

func TestManager_Snapshot(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	qsys.cache = map[string]any{"mute-17": true, "Zone1Gain": -6.0, "stale": 1.0}
	_ = m.RegisterAdapter("QSYS", qsys)
	defer m.Close() //nolint:errcheck // test cleanup
	m.SetAssets(mustParse(t, managerDoc))

	got := m.Snapshot()
	want := []State{
		{Asset: "amp-1", Control: "gain", Value: -6.0, Adapter: "QSYS"},
		{Asset: "amp-1", Control: "mute", Value: true, Adapter: "QSYS"},
	}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestManager_RememberUpdatesSnapshot(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	qsys.cache = map[string]any{"mute-17": false}
	_ = m.RegisterAdapter("QSYS", qsys)
	defer m.Close() //nolint:errcheck // test cleanup
	m.SetAssets(mustParse(t, managerDoc))

	m.Remember("amp-1", "mute", true)
	m.Remember("orphan", "gain", 1.0) // adapter not registered
	m.Remember("ghost", "mute", 1.0)
	m.Remember("amp-1", "bass", 1.0)

	got := m.Snapshot()
	if len(got) != 1 || got[0] != (State{Asset: "amp-1", Control: "mute", Value: true, Adapter: "QSYS"}) {
		t.Errorf("Snapshot() = %+v", got)
	}
}

func TestManager_SetAssetsNil(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	_ = m.RegisterAdapter("QSYS", qsys)
	defer m.Close() //nolint:errcheck // test cleanup
	m.SetAssets(mustParse(t, managerDoc))

	m.SetAssets(nil)

	if v := m.Registry().Document().Version; v != "0.0.0" {
		t.Errorf("Version = %q, want 0.0.0", v)
	}
	if _, ok := m.Registry().ControlLocation("mute-17"); ok {
		t.Error("old controls should be gone")
	}
	qsys.mu.Lock()
	last := qsys.subscribed[len(qsys.subscribed)-1]
	qsys.mu.Unlock()
	if last == nil || len(last) != 0 {
		t.Errorf("last SubscribeAll = %#v, want empty non-nil list", last)
	}
}

func TestManager_LoadAssetsKeepsPreviousOnError(t *testing.T) {
	m := NewManager(nil)
	qsys := newFakeAdapter()
	_ = m.RegisterAdapter("QSYS", qsys)
	defer m.Close() //nolint:errcheck // test cleanup
	m.SetAssets(mustParse(t, managerDoc))

	if err := m.LoadAssets(t.TempDir() + "/missing.json"); err == nil {
		t.Fatal("LoadAssets() expected error")
	}
	if qsys.subscribeCount() != 1 {
		t.Error("failed load must not re-subscribe")
	}
	if _, ok := m.Registry().AssetByID("amp-1"); !ok {
		t.Error("previous document should remain active")
	}
}

func TestManager_CloseRejectsRegistration(t *testing.T) {
	m := NewManager(nil)
	_ = m.RegisterAdapter("QSYS", newFakeAdapter())
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := m.RegisterAdapter("late", newFakeAdapter()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("RegisterAdapter() after Close error = %v", err)
	}
}
