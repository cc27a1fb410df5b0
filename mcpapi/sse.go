package mcpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

const maxMessageBytes = 8 << 20

// handleSSE serves the event-stream transport. The first event names
// the message endpoint carrying the server-issued session token; the
// client posts requests there and reads responses off this stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	sess := s.sessions.create(schema.TransportSSE)
	defer s.sessions.remove(sess.id)
	log := logx.WithSession(r.Context(), sess.id).With("remote", clientIP(r))

	send := make(chan []byte, sendDepth)
	done := r.Context().Done()
	sess.mu.Lock()
	sess.pushFrame = func(frame []byte) {
		select {
		case send <- frame:
		case <-done:
		default:
			log.Warn("event stream backlog full, frame dropped")
		}
	}
	push := sess.pushFrame
	sess.push = func(n notification) {
		frame, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: n.Method, Params: n.Params})
		if err != nil {
			return
		}
		push(frame)
	}
	sess.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_, _ = fmt.Fprintf(w, "event: endpoint\ndata: /messages?session=%s\n\n", sess.id)
	flusher.Flush()
	log.Info("event stream opened")

	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()
	for {
		select {
		case <-done:
			log.Info("event stream closed")
			return
		case frame := <-send:
			_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleMessages accepts posted requests for an event-stream session.
// The response travels back over the stream; the POST itself only
// acknowledges receipt.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	token := schema.SessionID(r.URL.Query().Get("session"))
	sess, err := s.sessions.get(token)
	if err != nil {
		log.Warn("message post rejected", "err", err)
		writeError(w, statusForSessionError(err), err)
		return
	}
	if sess.transport != schema.TransportSSE {
		log.Warn("message post on non-stream session", "transport", sess.transport)
		writeError(w, http.StatusBadRequest, errors.New("session is not an event-stream session"))
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := logx.ContextWithSessionLogger(r.Context(), log.With("session", sess.id), sess.id)
	resp := s.handleMessage(ctx, sess, raw)
	if resp != nil {
		frame, err := json.Marshal(resp)
		if err == nil {
			if sink := sess.frameSink(); sink != nil {
				sink(frame)
			}
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func statusForSessionError(err error) int {
	switch {
	case errors.Is(err, schema.ErrMissingSession):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrUnknownSession):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
