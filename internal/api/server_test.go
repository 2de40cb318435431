package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/asset"
	"github.com/nerrad567/gray-logic-gateway/internal/audit"
	"github.com/nerrad567/gray-logic-gateway/internal/auth"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-gateway/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

const testDocument = `{
  "version": "1",
  "assets": [
    {
      "id": "amp-1", "name": "Main Amp", "category": "audio", "adapter": "QSYS",
      "location": {"building": "HQ", "floor": "1", "room": "Hall"},
      "controls": {"mute": "mute-17", "gain": {"id": "gain-1", "type": "float", "min": -100, "max": 10}}
    },
    {
      "id": "light-1", "name": "Hall Light", "category": "lighting", "adapter": "GiraX1",
      "location": {"building": "HQ", "floor": "1", "room": "Hall"},
      "controls": {"power": "uid-1"}
    }
  ]
}`

// =============================================================================
// Fake adapter
// =============================================================================

var errTestDevice = errors.New("device offline")

type setCall struct {
	asset, control, controlID string
	value                     any
}

type fakeAdapter struct {
	updates chan adapter.Update

	mu         sync.Mutex
	snapshot   map[string]any
	sets       []setCall
	setErr     error
	subscribed [][]asset.Asset
	uiConfig   json.RawMessage
	uiErr      error
}

var (
	_ adapter.Adapter          = (*fakeAdapter)(nil)
	_ adapter.Snapshotter      = (*fakeAdapter)(nil)
	_ adapter.StatsProvider    = (*fakeAdapter)(nil)
	_ adapter.UIConfigProvider = (*fakeAdapter)(nil)
	_ adapter.Rememberer       = (*fakeAdapter)(nil)
)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		updates:  make(chan adapter.Update, 16),
		snapshot: map[string]any{"gain-1": -10.0},
		uiConfig: json.RawMessage(`{"functions":[]}`),
	}
}

func (f *fakeAdapter) Connect(context.Context) error { return nil }

func (f *fakeAdapter) SubscribeAll(assets []asset.Asset) {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, assets)
	f.mu.Unlock()
}

func (f *fakeAdapter) SetValue(_ context.Context, a asset.Asset, key string, v any, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets = append(f.sets, setCall{a.ID, key, id, v})
	return f.setErr
}

func (f *fakeAdapter) Updates() <-chan adapter.Update { return f.updates }

func (f *fakeAdapter) Close() error {
	close(f.updates)
	return nil
}

func (f *fakeAdapter) Snapshot() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(f.snapshot))
	for k, v := range f.snapshot {
		out[k] = v
	}
	return out
}

func (f *fakeAdapter) Remember(id string, v any) {
	f.mu.Lock()
	f.snapshot[id] = v
	f.mu.Unlock()
}

func (f *fakeAdapter) Stats() map[string]any { return map[string]any{"connected": true} }

func (f *fakeAdapter) UIConfig(context.Context) (json.RawMessage, error) {
	return f.uiConfig, f.uiErr
}

func (f *fakeAdapter) setCalls() []setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]setCall(nil), f.sets...)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	srv     *Server
	http    *httptest.Server
	manager *adapter.Manager
	qsys    *fakeAdapter
	repo    *audit.SQLiteRepository
	path    string
}

type harnessOption func(*Deps)

func withSecret(d *Deps) { d.Security.JWT.Secret = testSecret }

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	doc, err := asset.Parse([]byte(testDocument))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	manager := adapter.NewManager(asset.NewRegistry())
	qsys := newFakeAdapter()
	if err := manager.RegisterAdapter("QSYS", qsys); err != nil {
		t.Fatal(err)
	}
	manager.SetAssets(doc)

	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(repo, 16)

	ctx, cancel := context.WithCancel(context.Background())
	go recorder.Run(ctx)

	path := filepath.Join(t.TempDir(), "assets.json")
	deps := Deps{
		Config:    config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:        config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Assets:    config.AssetsConfig{Path: path, SchemaLint: true},
		Logger:    logging.Discard(),
		Manager:   manager,
		AuditRepo: repo,
		Recorder:  recorder,
		DB:        db,
		Version:   "test",
	}
	for _, o := range opts {
		o(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	go srv.hub.Run(ctx)
	cancelState := manager.OnState(srv.hub.BroadcastState)

	ts := httptest.NewServer(srv.buildRouter())

	t.Cleanup(func() {
		ts.Close()
		cancelState()
		cancel()
		<-recorder.Done()
		manager.Close() //nolint:errcheck // test cleanup
		db.Close()      //nolint:errcheck // test cleanup
	})

	return &harness{srv: srv, http: ts, manager: manager, qsys: qsys, repo: repo, path: path}
}

func (h *harness) do(t *testing.T, method, path, body, token string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body) //nolint:errcheck // test helper
	return resp, data
}

func (h *harness) waitAudit(t *testing.T, n int) []audit.Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := h.repo.List(context.Background(), audit.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total >= n {
			return res.Entries
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit entries = %d, want %d", res.Total, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func token(t *testing.T, subject string, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken(subject, role, testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Manager: adapter.NewManager(nil)}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without manager should fail")
	}
}

func TestServer_StartClose(t *testing.T) {
	srv, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:  logging.Discard(),
		Manager: adapter.NewManager(nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// =============================================================================
// Asset document
// =============================================================================

func TestGetAssets_Verbatim(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/v1/assets", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != testDocument {
		t.Errorf("GET /assets did not return the document verbatim:\n%s", body)
	}
}

func TestPutAssets_StructuralErrorKeepsDocument(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPut, "/api/v1/assets", `{"version": 2, "assets": {}}`, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var v validationResponse
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v.Code != ErrCodeValidation || len(v.Problems) != 2 {
		t.Errorf("response = %+v", v)
	}

	if got := h.manager.Registry().Document().Version; got != "1" {
		t.Errorf("active version = %q, want 1", got)
	}
	if _, err := os.Stat(h.path); !os.IsNotExist(err) {
		t.Error("rejected document must not be persisted")
	}
}

func TestPutAssets_FieldTypeMismatchIsAdvisory(t *testing.T) {
	h := newHarness(t)

	next := `{"version":"3","assets":[
		{"id":"amp-1","name":"Amp","adapter":"QSYS","location":{"floor":2},"tags":"x","controls":{"mute":"mute-17","level":5}}
	]}`
	resp, body := h.do(t, http.MethodPut, "/api/v1/assets", next, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var r replaceResponse
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatal(err)
	}
	if r.Version != "3" || len(r.Warnings) == 0 {
		t.Errorf("response = %+v, want version 3 with warnings", r)
	}
	if _, ok := h.manager.Registry().ControlLocation("mute-17"); !ok {
		t.Error("usable control not indexed")
	}
}

func TestPutAssets_ReplacesPersistsAndResubscribes(t *testing.T) {
	h := newHarness(t)

	next := `{"version":"2","assets":[
		{"id":"amp-1","name":"Amp","category":"audio","adapter":"QSYS","location":{"building":"HQ","floor":"1","room":"Hall"},"controls":{"mute":"mute-17"}},
		{"id":"amp-2","name":"Amp 2","category":"audio","adapter":"QSYS","location":{"building":"HQ","floor":"1","room":"Hall"},"controls":{"mute":"mute-17"}}
	]}`
	resp, body := h.do(t, http.MethodPut, "/api/v1/assets", next, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var r replaceResponse
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatal(err)
	}
	if !r.OK || r.Version != "2" || r.Assets != 2 {
		t.Errorf("response = %+v", r)
	}
	// mute-17 is used by two assets: advisory only.
	if len(r.Warnings) == 0 {
		t.Error("expected a control-id collision warning")
	}

	saved, err := os.ReadFile(h.path)
	if err != nil {
		t.Fatalf("document not persisted: %v", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(next), "", "  "); err != nil {
		t.Fatal(err)
	}
	pretty.WriteByte('\n')
	if !bytes.Equal(saved, pretty.Bytes()) {
		t.Errorf("persisted document is not the pretty-printed request body:\n%s", saved)
	}

	if got := h.manager.Registry().Document().Version; got != "2" {
		t.Errorf("active version = %q", got)
	}
	h.qsys.mu.Lock()
	subs := len(h.qsys.subscribed)
	last := h.qsys.subscribed[subs-1]
	h.qsys.mu.Unlock()
	if subs != 2 || len(last) != 2 {
		t.Errorf("SubscribeAll calls = %d, last had %d assets", subs, len(last))
	}

	entries := h.waitAudit(t, 1)
	if entries[0].Action != audit.ActionAssetsReplace || entries[0].EntityID != "2" || entries[0].Source != audit.SourceAPI {
		t.Errorf("audit entry = %+v", entries[0])
	}
}

func TestValidateAssets_DoesNotApply(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/v1/assets/validate", `{"version":"9","assets":[]}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if got := h.manager.Registry().Document().Version; got != "1" {
		t.Errorf("validate applied the document: version %q", got)
	}
}

func TestPutAssets_Auth(t *testing.T) {
	h := newHarness(t, withSecret)
	doc := `{"version":"3","assets":[]}`

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"operator", token(t, "op", auth.RoleOperator), http.StatusForbidden},
		{"admin", token(t, "installer", auth.RoleAdmin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPut, "/api/v1/assets", doc, tt.token)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
		})
	}

	entries := h.waitAudit(t, 1)
	if entries[0].Actor != "installer" {
		t.Errorf("audit actor = %q, want installer", entries[0].Actor)
	}

	// Reads stay open.
	if resp, _ := h.do(t, http.MethodGet, "/api/v1/assets", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("GET /assets with auth enabled = %d", resp.StatusCode)
	}
}

// =============================================================================
// Control commands
// =============================================================================

func TestSetControl(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/api/v1/assets/amp-1/controls/mute", `{"value":true}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	calls := h.qsys.setCalls()
	if len(calls) != 1 || calls[0] != (setCall{"amp-1", "mute", "mute-17", true}) {
		t.Errorf("SetValue calls = %+v", calls)
	}

	entries := h.waitAudit(t, 1)
	if entries[0].Action != audit.ActionControlSet || entries[0].EntityID != "amp-1.mute" {
		t.Errorf("audit entry = %+v", entries[0])
	}
}

func TestSetControl_Errors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown asset", "/api/v1/assets/ghost/controls/mute", `{"value":1}`, http.StatusNotFound},
		{"unknown control", "/api/v1/assets/amp-1/controls/bass", `{"value":1}`, http.StatusNotFound},
		{"adapter not registered", "/api/v1/assets/light-1/controls/power", `{"value":true}`, http.StatusNotFound},
		{"missing value", "/api/v1/assets/amp-1/controls/mute", `{}`, http.StatusBadRequest},
		{"not json", "/api/v1/assets/amp-1/controls/mute", `mute`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, tt.path, tt.body, "")
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
		})
	}

	h.qsys.mu.Lock()
	h.qsys.setErr = errTestDevice
	h.qsys.mu.Unlock()
	resp, body := h.do(t, http.MethodPost, "/api/v1/assets/amp-1/controls/gain", `{"value":-6}`, "")
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(string(body), "device offline") {
		t.Errorf("device failure = %d %s", resp.StatusCode, body)
	}
}

func TestSetControl_Auth(t *testing.T) {
	h := newHarness(t, withSecret)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/assets/amp-1/controls/mute", `{"value":true}`, token(t, "v", auth.RoleViewer))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer status = %d, want 403", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/api/v1/assets/amp-1/controls/mute", `{"value":true}`, token(t, "op", auth.RoleOperator))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("operator status = %d, want 200", resp.StatusCode)
	}
}

// =============================================================================
// State, adapters, audit, health
// =============================================================================

func TestGetState(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/v1/state", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		States []adapter.State `json:"states"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.States) != 1 || out.States[0] != (adapter.State{Asset: "amp-1", Control: "gain", Value: -10.0, Adapter: "QSYS"}) {
		t.Errorf("states = %+v", out.States)
	}
}

func TestAdapters(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/v1/adapters", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"key":"QSYS"`) || !strings.Contains(string(body), `"ui_config":true`) {
		t.Errorf("GET /adapters = %d %s", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/api/v1/adapters/QSYS/uiconfig", "", "")
	if resp.StatusCode != http.StatusOK || string(body) != `{"functions":[]}` {
		t.Errorf("uiconfig = %d %s", resp.StatusCode, body)
	}

	resp, _ = h.do(t, http.MethodGet, "/api/v1/adapters/GiraX1/uiconfig", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown adapter uiconfig = %d", resp.StatusCode)
	}

	h.qsys.mu.Lock()
	h.qsys.uiErr = errors.New("device error")
	h.qsys.mu.Unlock()
	resp, _ = h.do(t, http.MethodGet, "/api/v1/adapters/QSYS/uiconfig", "", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("failing uiconfig = %d", resp.StatusCode)
	}
}

func TestListAudit(t *testing.T) {
	h := newHarness(t, withSecret)

	h.do(t, http.MethodPost, "/api/v1/assets/amp-1/controls/mute", `{"value":false}`, token(t, "op", auth.RoleOperator))
	h.waitAudit(t, 1)

	resp, _ := h.do(t, http.MethodGet, "/api/v1/audit", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous audit = %d", resp.StatusCode)
	}

	resp, body := h.do(t, http.MethodGet, "/api/v1/audit?action=control.set&limit=10", "", token(t, "v", auth.RoleViewer))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res audit.ListResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Limit != 10 || res.Entries[0].Actor != "op" {
		t.Errorf("audit = %+v", res)
	}
}

func TestListAudit_NotConfigured(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.AuditRepo = nil })
	resp, _ := h.do(t, http.MethodGet, "/api/v1/audit", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

type linkStatus bool

func (l linkStatus) IsConnected() bool { return bool(l) }

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.MQTT = linkStatus(false) })

	resp, body := h.do(t, http.MethodGet, "/api/v1/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Checks["database"] != "ok" || health.Checks["mqtt"] != "disconnected" {
		t.Errorf("health = %+v", health)
	}

	resp, body = h.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	var m SystemMetrics
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	if m.Version != "test" || m.Assets.Assets != 2 || m.Assets.Controls != 3 || m.Manager.Adapters != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.MQTT == nil || m.MQTT.Connected || m.Database == nil {
		t.Errorf("link metrics = mqtt %+v db %+v", m.MQTT, m.Database)
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = []string{"https://ui.local"} })

	req, _ := http.NewRequest(http.MethodOptions, h.http.URL+"/api/v1/assets", nil)
	req.Header.Set("Origin", "https://ui.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://ui.local" {
		t.Errorf("preflight = %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	req, _ = http.NewRequest(http.MethodGet, h.http.URL+"/api/v1/health", nil)
	req.Header.Set("Origin", "https://evil.local")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin received CORS headers")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}
