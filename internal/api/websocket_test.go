package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
)

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialSynced connects and consumes the initial snapshot, so the client is
// registered once it returns.
func (h *harness) dialSynced(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	readState(t, conn)
	return conn
}

func readRaw(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %s: %v", data, err)
	}
	return msg
}

func readState(t *testing.T, conn *websocket.Conn) StateMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var msg StateMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != WSTypeState {
		t.Fatalf("message type = %q, want state", msg.Type)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

// expectPong sends a ping and requires the very next message to be the
// pong, proving nothing else was queued before it.
func expectPong(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, `{"type":"ping"}`)
	if msg := readRaw(t, conn); msg["type"] != WSTypePong {
		t.Fatalf("next message = %v, want pong", msg)
	}
}

// =============================================================================
// Snapshot
// =============================================================================

func TestWebSocket_SnapshotOnConnect(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	got := readState(t, conn)
	want := StateMessage{Type: WSTypeState, Asset: "amp-1", Control: "gain", Value: -10.0, Adapter: "QSYS"}
	if got != want {
		t.Errorf("snapshot = %+v, want %+v", got, want)
	}
	expectPong(t, conn)
}

func TestWebSocket_SubscribeReplaysSnapshot(t *testing.T) {
	h := newHarness(t)
	conn := h.dialSynced(t)

	send(t, conn, `{"type":"subscribe"}`)
	if got := readState(t, conn); got.Asset != "amp-1" || got.Control != "gain" {
		t.Errorf("replayed state = %+v", got)
	}
}

// =============================================================================
// Broadcast
// =============================================================================

func TestWebSocket_AdapterUpdateReachesAllClients(t *testing.T) {
	h := newHarness(t)
	a := h.dialSynced(t)
	b := h.dialSynced(t)

	h.qsys.updates <- adapter.Update{ControlID: "mute-17", Value: true}

	for _, conn := range []*websocket.Conn{a, b} {
		got := readState(t, conn)
		if got.Asset != "amp-1" || got.Control != "mute" || got.Value != true || got.Adapter != "QSYS" {
			t.Errorf("state = %+v", got)
		}
	}
}

func TestWebSocket_UnknownControlNotBroadcast(t *testing.T) {
	h := newHarness(t)
	conn := h.dialSynced(t)

	h.qsys.updates <- adapter.Update{ControlID: "not-in-document", Value: 1}
	// Known update queued behind it proves the unknown one was processed.
	h.qsys.updates <- adapter.Update{ControlID: "gain-1", Value: -3.0}

	if got := readState(t, conn); got.Control != "gain" || got.Value != -3.0 {
		t.Errorf("first broadcast = %+v, want gain -3", got)
	}
}

func TestWebSocket_FalseValueIsSent(t *testing.T) {
	h := newHarness(t)
	conn := h.dialSynced(t)

	h.qsys.updates <- adapter.Update{ControlID: "mute-17", Value: false}

	msg := readRaw(t, conn)
	v, ok := msg["value"]
	if !ok || v != false {
		t.Errorf("message = %v, want value false present", msg)
	}
}

func TestWebSocket_ClosedClientDoesNotAffectOthers(t *testing.T) {
	h := newHarness(t)
	gone := h.dialSynced(t)
	stays := h.dialSynced(t)

	gone.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.srv.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want 1", h.srv.hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.qsys.updates <- adapter.Update{ControlID: "gain-1", Value: 0.0}
	if got := readState(t, stays); got.Control != "gain" {
		t.Errorf("state = %+v", got)
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestWebSocket_SetForwardsAndEchoes(t *testing.T) {
	h := newHarness(t)
	sender := h.dialSynced(t)
	watcher := h.dialSynced(t)

	send(t, sender, `{"type":"set","asset":"amp-1","control":"mute","value":false}`)

	for _, conn := range []*websocket.Conn{sender, watcher} {
		got := readState(t, conn)
		if got.Asset != "amp-1" || got.Control != "mute" || got.Value != false || got.Adapter != "QSYS" {
			t.Errorf("echo = %+v", got)
		}
	}

	calls := h.qsys.setCalls()
	if len(calls) != 1 || calls[0] != (setCall{"amp-1", "mute", "mute-17", false}) {
		t.Errorf("SetValue calls = %+v", calls)
	}
	if n := h.srv.hub.commands.Load(); n != 1 {
		t.Errorf("commands = %d, want 1", n)
	}
}

func TestWebSocket_SetUpdatesReplay(t *testing.T) {
	h := newHarness(t)
	conn := h.dialSynced(t)

	send(t, conn, `{"type":"set","asset":"amp-1","control":"gain","value":-3}`)
	if got := readState(t, conn); got.Value != -3.0 {
		t.Fatalf("echo = %+v", got)
	}

	send(t, conn, `{"type":"subscribe"}`)
	got := readState(t, conn)
	if got.Asset != "amp-1" || got.Control != "gain" || got.Value != -3.0 {
		t.Errorf("replayed state = %+v, want gain=-3", got)
	}
	expectPong(t, conn)
}

func TestWebSocket_FailedSetSendsNothing(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"unknown asset", `{"type":"set","asset":"ghost","control":"mute","value":true}`},
		{"unknown control", `{"type":"set","asset":"amp-1","control":"bass","value":1}`},
		{"adapter not registered", `{"type":"set","asset":"light-1","control":"power","value":true}`},
		{"missing value", `{"type":"set","asset":"amp-1","control":"mute"}`},
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"dance"}`},
	}

	h := newHarness(t)
	conn := h.dialSynced(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.msg)
			expectPong(t, conn)
		})
	}

	if calls := h.qsys.setCalls(); len(calls) != 0 {
		t.Errorf("SetValue calls = %+v, want none", calls)
	}
}

func TestWebSocket_DeviceErrorNotEchoed(t *testing.T) {
	h := newHarness(t)
	conn := h.dialSynced(t)

	h.qsys.mu.Lock()
	h.qsys.setErr = errTestDevice
	h.qsys.mu.Unlock()

	send(t, conn, `{"type":"set","asset":"amp-1","control":"gain","value":-20}`)
	expectPong(t, conn)

	if n := h.srv.hub.commandErrors.Load(); n != 1 {
		t.Errorf("commandErrors = %d, want 1", n)
	}
}

func TestWebSocket_RESTCommandIsEchoed(t *testing.T) {
	h := newHarness(t)
	conn := h.dialSynced(t)

	resp, _ := h.do(t, "POST", "/api/v1/assets/amp-1/controls/gain", `{"value":-6}`, "")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := readState(t, conn); got.Control != "gain" || got.Value != -6.0 {
		t.Errorf("echo = %+v", got)
	}
}
