package mcpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendDepth  = 64
)

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleClientSocket serves the persistent socket transport. The session
// lives exactly as long as the connection.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Ctx(r.Context()).Warn("client socket upgrade failed", "err", err, "remote", clientIP(r))
		return
	}
	sess := s.sessions.create(schema.TransportWebSocket)
	log := logx.WithSession(r.Context(), sess.id).With("remote", clientIP(r))

	send := make(chan []byte, sendDepth)
	done := make(chan struct{})
	sess.mu.Lock()
	sess.push = func(n notification) {
		frame, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: n.Method, Params: n.Params})
		if err != nil {
			return
		}
		select {
		case send <- frame:
		case <-done:
		default:
			log.Warn("client socket backlog full, notification dropped", "method", n.Method)
		}
	}
	sess.mu.Unlock()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		defer ws.Close()
		for {
			select {
			case <-done:
				return
			case frame := <-send:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-ticker.C:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		close(done)
		s.sessions.remove(sess.id)
	}()

	ctx := logx.ContextWithSessionLogger(r.Context(), log, sess.id)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	log.Info("client socket opened")
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("client socket read failed", "err", err)
			}
			log.Info("client socket closed")
			return
		}
		sess.touch(time.Now())
		resp := s.handleMessage(ctx, sess, raw)
		if resp == nil {
			continue
		}
		frame, err := json.Marshal(resp)
		if err != nil {
			log.Warn("client socket response marshal failed", "err", err)
			continue
		}
		select {
		case send <- frame:
		case <-done:
			return
		}
	}
}
