package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/logging"
)

// Message types exchanged with WebSocket clients.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeSetState    = "set_state"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Channels a client can subscribe to.
const (
	ChannelStateChanged = "device.state_changed"
	ChannelRegistered   = "device.registered"
	ChannelRemoved      = "device.removed"
)

const (
	wsSendBufferSize = 256

	// wsSetTimeout bounds a set_state request; the engine answers
	// optimistically well before this.
	wsSetTimeout = 30 * time.Second

	defaultPingInterval   = 30 // seconds
	defaultPongTimeout    = 10 // seconds
	defaultMaxMessageSize = 8192
)

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, devices. An empty
// Devices list means every device.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// WSSetStatePayload drives a device, with the same body as PUT .../state.
type WSSetStatePayload struct {
	Device string `json:"device"`
	setStateRequest
}

// Hub tracks connected clients and fans device events out to them.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	devices DeviceService

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connection. Its subscriptions are guarded by mu.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	subject string // token subject when auth is enabled

	mu       sync.RWMutex
	channels map[string]struct{}
	devices  map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// CORS middleware has already vetted the origin.
		return true
	},
}

// NewHub creates a hub. Zero values in cfg take the defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, devices DeviceService) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		devices: devices,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "subject", c.subject)
}

// unregister removes c. Only the caller that removes it closes send.
func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast sends an event on channel to every client subscribed to it.
// When deviceName is non-empty, clients filtering by device only receive
// events for the devices they named.
func (h *Hub) Broadcast(channel, deviceName string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(channel, deviceName) {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

// RegisterDevices announces new or updated devices.
func (s *Server) RegisterDevices(_ context.Context, devices []device.Info) error {
	for _, d := range devices {
		s.hub.Broadcast(ChannelRegistered, d.Name, d)
	}
	return nil
}

// UnregisterDevices announces removed devices.
func (s *Server) UnregisterDevices(_ context.Context, names []string) error {
	for _, name := range names {
		s.hub.Broadcast(ChannelRemoved, name, map[string]string{"device": name})
	}
	return nil
}

// NotifyStateChange broadcasts on device.state_changed. Slow clients
// drop events rather than block the device engine.
func (s *Server) NotifyStateChange(change device.StateChange) {
	s.hub.Broadcast(ChannelStateChanged, change.Device, stateEvent(change))
}

func stateEvent(change device.StateChange) map[string]any {
	return map[string]any{
		"device":    change.Device,
		"type":      change.Type,
		"on":        change.On,
		"state":     stateMap(change.Values),
		"source":    change.Source,
		"timestamp": change.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// handleWebSocket upgrades the connection. authMiddleware has already
// run when auth is enabled.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		channels: make(map[string]struct{}),
		devices:  make(map[string]struct{}),
	}
	if subject, ok := r.Context().Value(ctxKeySubject).(string); ok {
		c.subject = subject
	}

	s.hub.register(c)
	go c.writePump()
	go c.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // read error surfaces below
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame counts as alive.
		c.conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // read error surfaces above
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(time.Duration(c.hub.cfg.PingInterval) * time.Second)
	writeWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error surfaces below
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error surfaces below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsRequest is an inbound frame with its payload left raw.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", ErrCodeBadRequest, "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(req)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(req)
	case WSTypeSetState:
		go c.handleSetState(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, ErrCodeBadRequest, "unknown message type: "+req.Type)
	}
}

// handleSubscribe adds channels and device filters. Subscribing to
// device.state_changed also returns the current state of the selected
// devices so the client starts in sync.
func (c *WSClient) handleSubscribe(req wsRequest) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &sub); err != nil || len(sub.Channels) == 0 {
		c.sendError(req.ID, ErrCodeBadRequest, "subscribe needs a channels list")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	for _, d := range sub.Devices {
		c.devices[d] = struct{}{}
	}
	c.mu.Unlock()

	resp := map[string]any{"subscribed": sub.Channels}
	for _, ch := range sub.Channels {
		if ch == ChannelStateChanged {
			resp["devices"] = c.snapshot()
			break
		}
	}
	c.reply(req.ID, WSTypeResponse, resp)
}

func (c *WSClient) handleUnsubscribe(req wsRequest) {
	var sub WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &sub); err != nil {
		c.sendError(req.ID, ErrCodeBadRequest, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	for _, d := range sub.Devices {
		delete(c.devices, d)
	}
	c.mu.Unlock()

	c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

// handleSetState runs off the read loop so a slow command does not stall
// the connection.
func (c *WSClient) handleSetState(req wsRequest) {
	var p WSSetStatePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.Device == "" {
		c.sendError(req.ID, ErrCodeBadRequest, "set_state needs a device")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsSetTimeout)
	defer cancel()

	info, err := c.hub.devices.Get(ctx, p.Device)
	if err != nil {
		c.sendDeviceError(req.ID, err)
		return
	}
	on, err := p.target(info.Type)
	if err != nil {
		c.sendError(req.ID, ErrCodeValidation, err.Error())
		return
	}
	if err := c.hub.devices.SetState(ctx, p.Device, on); err != nil {
		c.sendDeviceError(req.ID, err)
		return
	}

	c.reply(req.ID, WSTypeResponse, stateResponse{
		Device: p.Device,
		Type:   info.Type,
		On:     on,
		State:  stateMap(info.Type.Values(on)),
	})
}

// snapshot lists the cached state of the devices the client follows.
func (c *WSClient) snapshot() []stateResponse {
	infos, err := c.hub.devices.List(context.Background())
	if err != nil {
		c.hub.logger.Warn("websocket snapshot failed", "error", err)
		return nil
	}

	out := make([]stateResponse, 0, len(infos))
	for _, info := range infos {
		if !c.followsDevice(info.Name) {
			continue
		}
		out = append(out, stateResponse{
			Device: info.Name,
			Type:   info.Type,
			On:     info.On,
			State:  stateMap(info.State),
		})
	}
	return out
}

func (c *WSClient) wants(channel, deviceName string) bool {
	c.mu.RLock()
	_, ok := c.channels[channel]
	c.mu.RUnlock()
	return ok && (deviceName == "" || c.followsDevice(deviceName))
}

func (c *WSClient) followsDevice(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[name]
	return ok
}

// trySend queues data without blocking. A full buffer drops the frame and
// a client closed mid-broadcast is ignored.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a channel closed by unregister
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, code, message string) {
	c.reply(id, WSTypeError, map[string]string{"code": code, "message": message})
}

func (c *WSClient) sendDeviceError(id string, err error) {
	_, code, msg := classifyDeviceError(err)
	if code == ErrCodeInternal {
		c.hub.logger.Error("websocket device operation failed", "error", err)
	}
	c.sendError(id, code, msg)
}
