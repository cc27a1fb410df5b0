// Package agenthub owns the physical connections to tab agents. It
// translates registration frames into registry calls, demultiplexes
// response/console/heartbeat traffic, and detects liveness loss.
package agenthub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/tabmux/schema"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Screenshot responses carry inline base64 payloads.
	maxFrameSize = 16 << 20
	sendDepth    = 64
)

// RegistryAPI is the slice of the tab registry the hub mutates.
type RegistryAPI interface {
	Register(tab schema.TabSnapshot)
	Update(tabID schema.TabID, update schema.TabUpdate) bool
	Touch(tabID schema.TabID)
	Remove(tabID schema.TabID) bool
}

// ResponseSink settles correlated responses and sweeps pending commands
// when a tab's transport drops.
type ResponseSink interface {
	HandleResponse(resp schema.ResponseMessage)
	FailTab(tabID schema.TabID, cause error)
}

// ConsoleSink receives out-of-band console/log events.
type ConsoleSink func(event schema.ConsoleEvent)

// Hub accepts tab agent connections and routes their traffic.
type Hub struct {
	registry RegistryAPI
	sink     ResponseSink
	log      pslog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[schema.TabID]*agentConn
	console ConsoleSink
	closed  bool
}

// New constructs a Hub. The response sink may be set later via
// SetResponseSink to break the construction cycle with the correlator.
func New(registry RegistryAPI, logger pslog.Logger) *Hub {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		registry: registry,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The broker trusts any local caller.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[schema.TabID]*agentConn),
	}
}

// SetResponseSink wires the correlator in after construction.
func (h *Hub) SetResponseSink(sink ResponseSink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

// SetConsoleSink registers the console/log event handler.
func (h *Hub) SetConsoleSink(sink ConsoleSink) {
	h.mu.Lock()
	h.console = sink
	h.mu.Unlock()
}

// ServeHTTP upgrades an agent connection and runs its pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("agent upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := newAgentConn(h, ws)
	h.log.Info("agent connected", "remote", r.RemoteAddr)
	go conn.writePump()
	conn.readPump()
}

// SendCommand delivers a command envelope to the tab agent, failing fast
// when no live connection exists for the id. No pending state is created
// here; the correlator owns that table.
func (h *Hub) SendCommand(tabID schema.TabID, msg schema.CommandMessage) error {
	h.mu.Lock()
	conn := h.conns[tabID]
	h.mu.Unlock()
	if conn == nil {
		return schema.ErrTabNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.enqueue(data)
}

// ConnCount reports the number of live agent connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close tears down all agent connections and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*agentConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}

// bind associates a registered tab id with its connection. A second
// connection registering the same id supersedes the first; the stale
// connection is closed without tearing the tab session down.
func (h *Hub) bind(tabID schema.TabID, conn *agentConn) {
	h.mu.Lock()
	prev := h.conns[tabID]
	h.conns[tabID] = conn
	h.mu.Unlock()
	if prev != nil && prev != conn {
		h.log.Info("agent connection superseded", "tab", tabID)
		prev.markSuperseded()
		prev.close()
	}
}

// unbind is called from a connection's teardown. Only the connection that
// currently owns the tab id removes the session and fails its commands.
func (h *Hub) unbind(tabID schema.TabID, conn *agentConn, cause error) {
	h.mu.Lock()
	owner := h.conns[tabID] == conn
	if owner {
		delete(h.conns, tabID)
	}
	sink := h.sink
	h.mu.Unlock()
	if !owner {
		return
	}
	h.log.Info("agent disconnected", "tab", tabID, "err", cause)
	h.registry.Remove(tabID)
	if sink != nil {
		sink.FailTab(tabID, schema.ErrTabNotConnected)
	}
}

func (h *Hub) handleRegister(conn *agentConn, raw []byte) {
	var msg schema.RegisterMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Warn("agent register frame malformed", "err", err)
		return
	}
	if msg.TabID == "" {
		h.log.Warn("agent register without tab id ignored")
		return
	}
	first := conn.bindTab(msg.TabID)
	if first {
		h.bind(msg.TabID, conn)
		h.registry.Register(schema.TabSnapshot{
			ID:      msg.TabID,
			Browser: msg.Browser,
			URL:     msg.URL,
			Title:   msg.Title,
			Active:  msg.Active,
			Metrics: msg.TabMetrics,
		})
		return
	}
	// Re-register on a live connection is a metadata refresh.
	active := msg.Active
	metrics := msg.TabMetrics
	url := msg.URL
	title := msg.Title
	h.registry.Update(msg.TabID, schema.TabUpdate{
		URL:     &url,
		Title:   &title,
		Active:  &active,
		Metrics: &metrics,
	})
}

func (h *Hub) handleResponse(raw []byte) {
	var msg schema.ResponseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Warn("agent response frame malformed", "err", err)
		return
	}
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink != nil {
		sink.HandleResponse(msg)
	}
}

func (h *Hub) handleConsole(conn *agentConn, raw []byte) {
	var msg schema.ConsoleMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Warn("agent console frame malformed", "err", err)
		return
	}
	tabID := msg.TabID
	if tabID == "" {
		tabID = conn.tab()
	}
	ts := time.Now()
	if msg.Timestamp > 0 {
		ts = time.UnixMilli(msg.Timestamp)
	}
	h.mu.Lock()
	console := h.console
	h.mu.Unlock()
	if console != nil {
		console(schema.ConsoleEvent{
			TabID:     tabID,
			Level:     msg.Level,
			Message:   msg.Message,
			Timestamp: ts,
		})
	}
}

func (h *Hub) handlePing(conn *agentConn, raw []byte) {
	var msg schema.PingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	tabID := msg.TabID
	if tabID == "" {
		tabID = conn.tab()
	}
	if tabID != "" {
		h.registry.Touch(tabID)
	}
}
