package agenthub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/tabmux/schema"
)

// agentConn is one live tab agent connection. A connection carries at most
// one tab id, bound by its first register frame.
type agentConn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	tabID      schema.TabID
	superseded bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newAgentConn(hub *Hub, ws *websocket.Conn) *agentConn {
	return &agentConn{
		hub:    hub,
		ws:     ws,
		send:   make(chan []byte, sendDepth),
		closed: make(chan struct{}),
	}
}

// bindTab records the tab id on first registration. Reports whether this
// was the first register frame on the connection.
func (c *agentConn) bindTab(tabID schema.TabID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tabID == "" {
		c.tabID = tabID
		return true
	}
	return false
}

func (c *agentConn) tab() schema.TabID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabID
}

// markSuperseded stops this connection's teardown from removing the tab
// session a newer connection now owns.
func (c *agentConn) markSuperseded() {
	c.mu.Lock()
	c.superseded = true
	c.mu.Unlock()
}

func (c *agentConn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return schema.ErrTabNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return schema.ErrTabNotConnected
	default:
		return errors.New("agent send backlog full")
	}
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// readPump consumes frames until the connection dies, then runs teardown.
func (c *agentConn) readPump() {
	var cause error
	defer func() {
		c.close()
		c.mu.Lock()
		tabID := c.tabID
		superseded := c.superseded
		c.mu.Unlock()
		if tabID != "" && !superseded {
			c.hub.unbind(tabID, c, cause)
		}
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if tabID := c.tab(); tabID != "" {
			c.hub.registry.Touch(tabID)
		}
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			cause = err
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var header schema.MessageHeader
		if err := json.Unmarshal(raw, &header); err != nil {
			c.hub.log.Warn("agent frame not json", "err", err)
			continue
		}
		switch header.Type {
		case schema.MessageRegister:
			c.hub.handleRegister(c, raw)
		case schema.MessageResponse:
			c.hub.handleResponse(raw)
		case schema.MessageConsole:
			c.hub.handleConsole(c, raw)
		case schema.MessagePing:
			_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
			c.hub.handlePing(c, raw)
		default:
			c.hub.log.Debug("agent frame with unknown type dropped", "frame_type", header.Type)
		}
	}
}

// writePump drains the outbound queue and keeps the transport-level
// heartbeat going.
func (c *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
