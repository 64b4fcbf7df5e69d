// Package ws serves the local event feed: every envelope the agent sends or
// receives is broadcast to connected panels.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/metrics"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
	// DirectionLocal marks operations injected by a panel.
	DirectionLocal = "local"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer is the number of events queued per panel before new ones
	// are dropped.
	sendBuffer = 64
)

type Event struct {
	Direction string            `json:"direction"`
	Timestamp int64             `json:"timestamp"`
	Envelope  protocol.Envelope `json:"envelope"`
}

// Ack answers a panel message.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Submitter receives operation envelopes injected from a panel.
type Submitter func(message map[string]any) error

// clientConn owns one panel socket. Only writeLoop writes to conn.
type clientConn struct {
	conn      *websocket.Conn
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(conn *websocket.Conn) *clientConn {
	return &clientConn{
		conn: conn,
		send: make(chan any, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues v for the writer and reports false, without blocking, when
// the panel is gone or its buffer is full.
func (c *clientConn) enqueue(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (c *clientConn) writeLoop(logger log.FieldLogger) {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(v); err != nil {
				logger.WithError(err).Warn("write to panel failed")
				c.close()
				return
			}
		}
	}
}

// close stops the writer and unblocks the reader. send is left open so a
// concurrent enqueue never panics.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

type Hub struct {
	authToken string
	submit    Submitter
	logger    log.FieldLogger

	upgrader websocket.Upgrader

	panelMu sync.RWMutex
	panels  map[*clientConn]struct{}
}

// NewHub builds a hub. An empty authToken leaves the feed open; a nil submit
// makes it read-only.
func NewHub(authToken string, submit Submitter, logger log.FieldLogger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		authToken: authToken,
		submit:    submit,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		panels: make(map[*clientConn]struct{}),
	}
}

// Handler serves /ws/events, /healthz and /metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/events", h.HandlePanel)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (h *Hub) Panels() int {
	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	return len(h.panels)
}

func (h *Hub) HandlePanel(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.logger.WithField("remote", r.RemoteAddr).Warn("panel unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("upgrade panel ws failed")
		return
	}
	client := newClientConn(conn)
	go client.writeLoop(h.logger)

	h.panelMu.Lock()
	h.panels[client] = struct{}{}
	panelCount := len(h.panels)
	h.panelMu.Unlock()

	h.logger.WithFields(log.Fields{"remote": r.RemoteAddr, "active_panels": panelCount}).Info("panel connected")
	h.readPanel(client)
}

func (h *Hub) readPanel(client *clientConn) {
	defer func() {
		h.panelMu.Lock()
		delete(h.panels, client)
		panelCount := len(h.panels)
		h.panelMu.Unlock()
		client.close()
		h.logger.WithField("active_panels", panelCount).Info("panel disconnected")
	}()

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.WithError(err).Debug("recv panel->agent stopped")
			return
		}
		if ack := h.handlePanelMessage(raw); !client.enqueue(ack) {
			h.logger.Warn("panel send buffer full, ack dropped")
			metrics.PanelEventsDropped.Inc()
		}
	}
}

func (h *Hub) handlePanelMessage(raw []byte) Ack {
	if h.submit == nil {
		return Ack{Message: "event feed is read-only"}
	}
	var message map[string]any
	if err := json.Unmarshal(raw, &message); err != nil {
		return Ack{Message: "malformed envelope: " + err.Error()}
	}
	if env, err := protocol.FromMap(message); err == nil {
		h.Publish(DirectionLocal, env)
	}
	if err := h.submit(message); err != nil {
		return Ack{Message: err.Error()}
	}
	return Ack{Success: true}
}

// Publish queues env to every panel without blocking. A panel whose buffer is
// full misses the event.
func (h *Hub) Publish(direction string, env protocol.Envelope) {
	event := Event{Direction: direction, Timestamp: time.Now().UnixMilli(), Envelope: env}

	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	if len(h.panels) == 0 {
		return
	}
	h.logger.WithFields(log.Fields{
		"count":     len(h.panels),
		"direction": direction,
		"operation": env.Operation,
	}).Debug("broadcast to panels")
	for panel := range h.panels {
		if !panel.enqueue(event) {
			metrics.PanelEventsDropped.Inc()
			h.logger.WithField("operation", env.Operation).Debug("panel send buffer full, event dropped")
		}
	}
}

// PublishRaw decodes an encoded envelope and publishes it.
func (h *Hub) PublishRaw(direction, body string) {
	env, err := protocol.Decode(body)
	if err != nil {
		h.logger.WithError(err).Debug("skip publishing undecodable envelope")
		return
	}
	h.Publish(direction, env)
}
