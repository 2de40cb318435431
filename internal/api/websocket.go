package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/logging"
)

// Push channel message types.
const (
	WSTypeState     = "state"
	WSTypeSet       = "set"
	WSTypeSubscribe = "subscribe"
	WSTypePing      = "ping"
	WSTypePong      = "pong"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// StateMessage is pushed to every client for each state change:
//
//	{"type":"state","asset":"amp-1","control":"mute","value":true,"adapter":"QSYS"}
type StateMessage struct {
	Type    string `json:"type"`
	Asset   string `json:"asset"`
	Control string `json:"control"`
	Value   any    `json:"value"`
	Adapter string `json:"adapter,omitempty"`
}

// inboundMessage is anything a client sends. Only "set" uses the
// asset/control/value fields.
type inboundMessage struct {
	Type    string          `json:"type"`
	Asset   string          `json:"asset"`
	Control string          `json:"control"`
	Value   json.RawMessage `json:"value"`
}

// Hub fans states out to every connected client and routes "set"
// commands to the adapter manager.
//
// A failing or slow client never affects the others: broadcasts iterate a
// snapshot of the client set and sends never block.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	manager *adapter.Manager

	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	broadcasts    atomic.Uint64
	sendDrops     atomic.Uint64
	commands      atomic.Uint64
	commandErrors atomic.Uint64
}

// WSClient represents a connected push-channel client.
type WSClient struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new push-channel hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, manager *adapter.Manager) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client", client.id, "clients", n)
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "client", client.id, "clients", n)
}

// BroadcastState sends s to every connected client. It is registered as a
// Manager state observer and also used for optimistic echoes of commands.
func (h *Hub) BroadcastState(s adapter.State) {
	data, err := encodeState(s)
	if err != nil {
		h.logger.Error("failed to marshal state message", "asset", s.Asset, "control", s.Control, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.trySend(data) {
			h.sendDrops.Add(1)
		}
	}
	h.broadcasts.Add(1)
}

func encodeState(s adapter.State) ([]byte, error) {
	return json.Marshal(StateMessage{
		Type:    WSTypeState,
		Asset:   s.Asset,
		Control: s.Control,
		Value:   s.Value,
		Adapter: s.Adapter,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.cancel()
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the connection and replays the current state
// snapshot before live states.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		id:     uuid.NewString()[:8],
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.replaySnapshot()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := wsTimings(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "client", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// wsTimings returns the ping interval and pong wait, defaulting unset
// values to 30s and 10s.
func wsTimings(cfg config.WebSocketConfig) (pingInterval, pongWait time.Duration) {
	pingInterval = time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	pongWait = time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = 10 * time.Second
	}
	return pingInterval, pongWait
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one inbound message. Malformed and unknown
// messages are logged and ignored; nothing is sent back.
func (c *WSClient) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.hub.logger.Debug("ignoring malformed websocket message", "client", c.id, "error", err)
		return
	}

	switch msg.Type {
	case WSTypeSet:
		c.handleSet(msg)
	case WSTypeSubscribe:
		c.replaySnapshot()
	case WSTypePing:
		c.trySend([]byte(`{"type":"pong"}`))
	default:
		c.hub.logger.Debug("ignoring websocket message", "client", c.id, "type", msg.Type)
	}
}

// handleSet forwards a command and, on success, echoes it to every client
// before the device confirms.
func (c *WSClient) handleSet(msg inboundMessage) {
	if msg.Asset == "" || msg.Control == "" || len(msg.Value) == 0 {
		c.hub.logger.Warn("websocket set missing fields", "client", c.id, "asset", msg.Asset, "control", msg.Control)
		return
	}
	var value any
	if err := json.Unmarshal(msg.Value, &value); err != nil {
		c.hub.logger.Warn("websocket set has invalid value", "client", c.id, "error", err)
		return
	}

	c.hub.commands.Add(1)
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	if err := c.hub.manager.SetValue(ctx, msg.Asset, msg.Control, value); err != nil {
		c.hub.commandErrors.Add(1)
		c.hub.logger.Warn("websocket set failed",
			"client", c.id,
			"asset", msg.Asset,
			"control", msg.Control,
			"error", err,
		)
		return
	}

	c.hub.echo(msg.Asset, msg.Control, value)
}

// echo records a successfully forwarded command in the adapter cache and
// broadcasts it as a state.
func (h *Hub) echo(assetID, controlKey string, value any) {
	h.manager.Remember(assetID, controlKey, value)

	var adapterKey string
	if a, ok := h.manager.Registry().AssetByID(assetID); ok {
		adapterKey = a.Adapter
	}
	h.BroadcastState(adapter.State{Asset: assetID, Control: controlKey, Value: value, Adapter: adapterKey})
}

// replaySnapshot queues every cached state for this client. Unlike
// broadcasts it waits for buffer space, so large documents arrive whole.
func (c *WSClient) replaySnapshot() {
	for _, s := range c.hub.manager.Snapshot() {
		data, err := encodeState(s)
		if err != nil {
			continue
		}
		if !c.enqueue(data) {
			return
		}
	}
}

// trySend attempts a non-blocking send. It reports false when the buffer
// is full or the client has gone.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// enqueue blocks until data is queued or the client disconnects.
func (c *WSClient) enqueue(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.ctx.Done():
		return false
	}
}
