package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// This file implements:
//   - A Hub that tracks connected WebSocket clients
//   - Per-client write pumps so one slow client doesn't block others
//   - A broadcaster loop that watches the Store and fans out changes
//
// Notes:
//   - The broadcaster only reads the Store (Snapshot/Version); it never
//     clears the change flag, which belongs to the display loop.
//   - Slow clients are disconnected when their send buffer fills.
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The initial message on connect is "state_init" with every instance,
//     then one "instance_changed" per instance that changed.
//
// ============================================================================

// InstanceView is the externally-consumable form of an InstanceState,
// shared by the websocket, HTTP and MQTT surfaces.
type InstanceView struct {
	ID     int      `json:"id"`
	Volume *float64 `json:"volume"` // null when mpv reported no usable volume
	Muted  bool     `json:"muted"`
	Active bool     `json:"active"`
	Line   string   `json:"line"` // what the display shows for this instance
}

func newInstanceView(st InstanceState) InstanceView {
	v := InstanceView{
		ID:     st.ID,
		Muted:  st.Mute,
		Active: st.Active,
		Line:   FormatLine(st),
	}
	if st.VolumeValid {
		vol := st.Volume
		v.Volume = &vol
	}
	return v
}

func newInstanceViews(snap []InstanceState) []InstanceView {
	out := make([]InstanceView, len(snap))
	for i, st := range snap {
		out[i] = newInstanceView(st)
	}
	return out
}

// wsStateInit is the JSON `data` payload for the WS "state_init" event.
type wsStateInit struct {
	Instances []InstanceView `json:"instances"`
}

const (
	wsTypeStateInit       = "state_init"
	wsTypeInstanceChanged = "instance_changed"
)

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 32.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size. Zero means 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		c.closeSend()
		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump, cause string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+cause+")", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping error", err)
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", "read error", err)
			if c.hub != nil {
				select {
				case c.hub.unregister <- c:
				default:
					// Hub gone or backed up; it closes everyone on shutdown anyway.
				}
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateWSServer serves the /ws endpoint.
type StateWSServer struct {
	logger *slog.Logger
	hub    *Hub
	store  *Store
}

// NewStateWSServer constructs the WS state server. Start Hub().Run(ctx)
// and RunBroadcaster alongside it.
func NewStateWSServer(store *Store, logger *slog.Logger, cfg HubConfig) *StateWSServer {
	return &StateWSServer{
		logger: logger,
		hub:    NewHub(logger, cfg),
		store:  store,
	}
}

func (s *StateWSServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on the router.
func (s *StateWSServer) Register(r chi.Router, path string) {
	r.Get(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// LAN-only control surface; any origin may watch state.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *StateWSServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Queue the snapshot before registering, so state_init is always the
	// first frame and any broadcast queued afterwards is at least as new.
	initMsg, err := marshalEnvelope(wsTypeStateInit, wsStateInit{
		Instances: newInstanceViews(s.store.Snapshot()),
	})
	if err != nil {
		s.logger.Warn("ws marshal state_init failed", "error", err)
		_ = conn.Close()
		return
	}
	client.send <- initMsg

	s.hub.register <- client

	// The pumps outlive the request; net/http cancels r.Context() as soon as
	// this handler returns. Their lifetime is managed by the hub.
	go client.writePump()
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

// wsCoalesceWindow is how often the broadcaster checks the store. Bursty
// changes inside one window go out once (latest wins).
const wsCoalesceWindow = 50 * time.Millisecond

// RunBroadcaster watches the store and broadcasts one instance_changed
// frame per changed instance. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, store *Store, logger *slog.Logger) {
	if hub == nil || store == nil {
		return
	}

	last := store.Snapshot()
	watchStore(ctx, store, wsCoalesceWindow, func(snap []InstanceState) {
		for _, st := range changedInstances(last, snap) {
			msg, err := marshalEnvelope(wsTypeInstanceChanged, newInstanceView(st))
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err, "instance", st.ID)
				continue
			}
			hub.BroadcastBytes(msg)
		}
		last = snap
	})
	logger.Info("ws broadcaster stopping")
}
