package schema

import "encoding/json"

// Tab agent wire protocol. All frames are JSON objects over a persistent
// connection, discriminated by the "type" field.

const (
	// MessageRegister announces a tab agent and its initial page metadata.
	MessageRegister = "register"
	// MessageCommand carries a broker-issued command to a tab agent.
	MessageCommand = "command"
	// MessageResponse carries a tab agent's reply to a command.
	MessageResponse = "response"
	// MessageConsole carries an agent-originated console/log event.
	MessageConsole = "console"
	// MessagePing is a heartbeat frame.
	MessagePing = "ping"
)

// MessageHeader peeks the frame discriminator before full decoding.
type MessageHeader struct {
	Type string `json:"type"`
}

// RegisterMessage is sent by a tab agent on connect and whenever its page
// metadata changes wholesale (e.g. after a navigation it initiated itself).
type RegisterMessage struct {
	Type    string    `json:"type"`
	TabID   TabID     `json:"tabId"`
	Browser BrowserID `json:"browserInstanceId,omitempty"`
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	Active  bool      `json:"active"`
	TabMetrics
}

// CommandMessage is sent by the broker to a tab agent.
type CommandMessage struct {
	ID      CommandID       `json:"id"`
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// AgentError is an execution failure reported by the tab agent itself.
// It is relayed to callers verbatim, never reinterpreted by the broker.
type AgentError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *AgentError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ResponseMessage is a tab agent's reply to a CommandMessage.
type ResponseMessage struct {
	ID      CommandID       `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *AgentError     `json:"error,omitempty"`
	// Refreshed page metadata, when the command changed it.
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// ConsoleMessage is an out-of-band console/log event from a tab agent.
// It is never correlated to a command id.
type ConsoleMessage struct {
	Type      string `json:"type"`
	TabID     TabID  `json:"tabId,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PingMessage is a heartbeat from a tab agent. It refreshes liveness
// without firing registry update notifications.
type PingMessage struct {
	Type  string `json:"type"`
	TabID TabID  `json:"tabId"`
}
