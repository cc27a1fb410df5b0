package mcpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

const sessionHeader = "Mcp-Session-Id"

// handleStateless serves the request/response transport. Each request
// carries the session token in a header; the token is issued on
// initialize and must accompany every call after it.
func (s *Server) handleStateless(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.statelessPost(w, r)
	case http.MethodGet:
		s.statelessPoll(w, r)
	case http.MethodDelete:
		s.statelessDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) statelessPost(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(nil, codeParseError, "parse error: "+err.Error(), nil))
		return
	}

	token := schema.SessionID(r.Header.Get(sessionHeader))
	var sess *session
	if token == "" {
		// Only the opening handshake may arrive without a token. An
		// unknown token is an explicit error below, never a fresh
		// session.
		if req.Method != "initialize" {
			log.Warn("stateless request without session token", "method", req.Method)
			writeError(w, http.StatusBadRequest, schema.ErrMissingSession)
			return
		}
		sess = s.sessions.create(schema.TransportHTTP)
	} else {
		sess, err = s.sessions.get(token)
		if err != nil {
			log.Warn("stateless session rejected", "err", err)
			writeError(w, statusForSessionError(err), err)
			return
		}
	}

	w.Header().Set(sessionHeader, string(sess.id))
	ctx := logx.ContextWithSessionLogger(r.Context(), log.With("session", sess.id), sess.id)
	resp := s.handleMessage(ctx, sess, raw)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statelessPoll drains notifications queued since the previous request.
func (s *Server) statelessPoll(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.get(schema.SessionID(r.Header.Get(sessionHeader)))
	if err != nil {
		writeError(w, statusForSessionError(err), err)
		return
	}
	if sess.transport != schema.TransportHTTP {
		writeError(w, http.StatusBadRequest, errors.New("session is not a stateless session"))
		return
	}
	sess.touch(time.Now())
	queued := sess.drainQueue()
	frames := make([]rpcNotification, 0, len(queued))
	for _, n := range queued {
		frames = append(frames, rpcNotification{JSONRPC: "2.0", Method: n.Method, Params: n.Params})
	}
	w.Header().Set(sessionHeader, string(sess.id))
	writeJSON(w, http.StatusOK, map[string]any{"notifications": frames})
}

func (s *Server) statelessDelete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.get(schema.SessionID(r.Header.Get(sessionHeader)))
	if err != nil {
		writeError(w, statusForSessionError(err), err)
		return
	}
	s.sessions.remove(sess.id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
