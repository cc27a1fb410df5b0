package mcpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/dispatch"
	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/internal/version"
	"pkt.systems/tabmux/schema"
)

const protocolVersion = "2025-06-18"

// JSON-RPC 2.0 framing shared by all three client transports.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r rpcRequest) isNotification() bool {
	return len(r.ID) == 0
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeCommandTimeout = -32001
	codeTabUnavailable = -32002
	codeShuttingDown   = -32003
)

func resultResponse(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

// ToolService is the dispatch capability the protocol engine depends on.
type ToolService interface {
	ListTools() []dispatch.Tool
	Invoke(ctx context.Context, name string, args map[string]any) (dispatch.Result, error)
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	// Optional idle timeout for stateless sessions, in milliseconds.
	IdleTimeoutMs int `json:"idleTimeoutMs,omitempty"`
}

type toolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handleMessage runs one client message through the protocol state
// machine. The returned response is nil for notifications. All three
// transports funnel through here; they differ only in session addressing
// and notification delivery.
func (s *Server) handleMessage(ctx context.Context, sess *session, raw []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, codeParseError, "parse error: "+err.Error(), nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid request", nil)
	}
	log := logx.WithSession(ctx, sess.id).With("method", req.Method)

	switch req.Method {
	case "initialize":
		return s.handleInitialize(sess, req, log)
	case "notifications/initialized":
		s.handleInitialized(sess, log)
		return nil
	case "ping":
		if req.isNotification() {
			return nil
		}
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		if sess.currentState() != stateInitialized {
			log.Warn("tools/list before handshake completed")
			return errorResponse(req.ID, codeInvalidRequest, schema.ErrNotInitialized.Error(), nil)
		}
		return resultResponse(req.ID, map[string]any{"tools": s.toolDeclarations()})
	case "tools/call":
		return s.handleToolCall(ctx, sess, req, log)
	default:
		if req.isNotification() {
			log.Debug("unknown notification dropped")
			return nil
		}
		log.Warn("unknown method rejected")
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (s *Server) handleInitialize(sess *session, req rpcRequest, log pslog.Logger) *rpcResponse {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "initialize params malformed: "+err.Error(), nil)
		}
	}
	sess.mu.Lock()
	if sess.state == stateInitialized {
		sess.mu.Unlock()
		log.Warn("duplicate initialize rejected")
		return errorResponse(req.ID, codeInvalidRequest, schema.ErrAlreadyInitialized.Error(), nil)
	}
	sess.state = stateInitializing
	sess.protocolVersion = params.ProtocolVersion
	sess.clientName = params.ClientInfo.Name
	sess.clientVersion = params.ClientInfo.Version
	if params.IdleTimeoutMs > 0 && sess.transport == schema.TransportHTTP {
		sess.idleTimeout = time.Duration(params.IdleTimeoutMs) * time.Millisecond
	}
	sess.mu.Unlock()
	log.Info("client handshake", "client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version, "protocol", params.ProtocolVersion)

	return resultResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    "tabmux",
			"version": version.Current(),
		},
	})
}

func (s *Server) handleInitialized(sess *session, log pslog.Logger) {
	sess.mu.Lock()
	promoted := sess.state == stateInitializing
	if promoted {
		sess.state = stateInitialized
	}
	sess.mu.Unlock()
	if promoted {
		log.Info("client session initialized")
	} else {
		log.Warn("initialized ack out of order ignored")
	}
}

func (s *Server) handleToolCall(ctx context.Context, sess *session, req rpcRequest, log pslog.Logger) *rpcResponse {
	if sess.currentState() != stateInitialized {
		log.Warn("tools/call before handshake completed")
		return errorResponse(req.ID, codeInvalidRequest, schema.ErrNotInitialized.Error(), nil)
	}
	if s.draining.Load() {
		return errorResponse(req.ID, codeShuttingDown, schema.ErrShuttingDown.Error(), nil)
	}
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "tools/call params malformed: "+err.Error(), nil)
	}
	tab, _ := params.Arguments["tabId"].(string)
	log = logx.WithSessionTab(ctx, sess.id, schema.TabID(tab)).With("tool", params.Name)
	ctx = pslog.ContextWithLogger(logx.ContextWithTab(ctx, schema.TabID(tab)), log)
	start := time.Now()
	result, err := s.tools.Invoke(ctx, params.Name, params.Arguments)
	if err != nil {
		log.Warn("tool call failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return toolCallError(req.ID, err)
	}
	log.Info("tool call ok", "is_error", result.IsError, "duration_ms", time.Since(start).Milliseconds())
	return resultResponse(req.ID, result)
}

// toolCallError maps broker-side faults onto protocol error codes.
// Agent-reported failures never land here; those travel as results.
func toolCallError(id json.RawMessage, err error) *rpcResponse {
	var verr *dispatch.ValidationError
	switch {
	case errors.As(err, &verr):
		return errorResponse(id, codeInvalidParams, verr.Error(), map[string]any{"problems": verr.Problems})
	case errors.Is(err, schema.ErrUnknownTool):
		return errorResponse(id, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, schema.ErrTabNotConnected), errors.Is(err, schema.ErrTabNotFound):
		return errorResponse(id, codeTabUnavailable, err.Error()+"; re-list tabs to pick a live target", nil)
	case errors.Is(err, schema.ErrCommandTimeout):
		return errorResponse(id, codeCommandTimeout, err.Error(), nil)
	case errors.Is(err, schema.ErrShuttingDown):
		return errorResponse(id, codeShuttingDown, err.Error(), nil)
	default:
		return errorResponse(id, codeInternalError, err.Error(), nil)
	}
}

func (s *Server) toolDeclarations() []toolDeclaration {
	tools := s.tools.ListTools()
	declarations := make([]toolDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, toolDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return declarations
}
