package mcpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"pkt.systems/tabmux/internal/version"
	"pkt.systems/tabmux/schema"
)

// TabCounter reports how many tab agents are currently registered.
type TabCounter interface {
	Len() int
}

// Server serves the client-facing API: tool sessions over the socket,
// event-stream, and stateless transports, plus the agent endpoint.
type Server struct {
	cfg      Config
	tools    ToolService
	agents   http.Handler
	tabs     TabCounter
	sessions *sessionStore
	started  time.Time
	pending  func() int
	draining atomic.Bool
}

// NewServer constructs the client API server. agents is mounted at
// /agent and owns the tab side of the broker.
func NewServer(cfg Config, tools ToolService, agents http.Handler, tabs TabCounter) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		tools:    tools,
		agents:   agents,
		tabs:     tabs,
		sessions: newSessionStore(cfg.IdleTimeout),
		started:  time.Now(),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/agent", s.agents)
	mux.HandleFunc("/ws", s.handleClientSocket)
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/mcp", s.handleStateless)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleStatus)
	return withRequestLogging(mux, s.lookupSession)
}

// StartSweeper reclaims idle stateless sessions until ctx is done.
func (s *Server) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sessions.sweep()
			}
		}
	}()
}

// SetDraining makes subsequent tool calls fail fast during shutdown.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
}

// SetPendingCounter wires the in-flight command gauge into the health doc.
func (s *Server) SetPendingCounter(fn func() int) {
	s.pending = fn
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counts := s.sessions.countByTransport()
	pending := 0
	if s.pending != nil {
		pending = s.pending()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"draining":       s.draining.Load(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"tabs":           s.tabs.Len(),
		"pending":        pending,
		"sessions": map[string]int{
			string(schema.TransportWebSocket): counts[schema.TransportWebSocket],
			string(schema.TransportSSE):       counts[schema.TransportSSE],
			string(schema.TransportHTTP):      counts[schema.TransportHTTP],
		},
	})
}

type sessionStatus struct {
	ID        schema.SessionID     `json:"id"`
	Transport schema.TransportKind `json:"transport"`
	State     string               `json:"state"`
	Client    string               `json:"client,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessions := make([]sessionStatus, 0, 8)
	s.sessions.each(func(sess *session) {
		sess.mu.Lock()
		sessions = append(sessions, sessionStatus{
			ID:        sess.id,
			Transport: sess.transport,
			State:     sess.state.String(),
			Client:    sess.clientName,
			CreatedAt: sess.createdAt,
		})
		sess.mu.Unlock()
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "tabmux",
		"version":  version.Current(),
		"tabs":     s.tabs.Len(),
		"sessions": sessions,
		"endpoints": map[string]string{
			"agent":     "/agent",
			"socket":    "/ws",
			"stream":    "/sse",
			"messages":  "/messages",
			"stateless": "/mcp",
		},
	})
}

func (s *Server) lookupSession(r *http.Request) schema.SessionID {
	if s == nil || r == nil {
		return ""
	}
	if token := r.URL.Query().Get("session"); token != "" {
		return schema.SessionID(token)
	}
	return schema.SessionID(r.Header.Get(sessionHeader))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
