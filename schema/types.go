package schema

import "time"

// TabID identifies a connected tab agent. Unique per agent process instance.
type TabID string

// BrowserID groups tabs launched from the same browser process.
type BrowserID string

// SessionID identifies a client protocol session.
type SessionID string

// CommandID identifies one in-flight command to a tab agent.
type CommandID uint64

// ToolName identifies a tool in the dispatch catalog.
type ToolName string

// TransportKind names the client transport a session arrived on.
type TransportKind string

const (
	// TransportWebSocket is the persistent full-duplex socket transport.
	TransportWebSocket TransportKind = "websocket"
	// TransportSSE is the server-initiated event stream transport.
	TransportSSE TransportKind = "sse"
	// TransportHTTP is the stateless request/response transport.
	TransportHTTP TransportKind = "http"
)

// TabMetrics captures the content measurements a tab agent reports.
type TabMetrics struct {
	DOMNodes       int  `json:"domNodes,omitempty"`
	ViewportWidth  int  `json:"viewportWidth,omitempty"`
	ViewportHeight int  `json:"viewportHeight,omitempty"`
	PageWidth      int  `json:"pageWidth,omitempty"`
	PageHeight     int  `json:"pageHeight,omitempty"`
	ScrollX        int  `json:"scrollX,omitempty"`
	ScrollY        int  `json:"scrollY,omitempty"`
	Visible        bool `json:"visible"`
}

// TabSnapshot is a transport-friendly view of one connected tab agent.
type TabSnapshot struct {
	ID          TabID      `json:"id"`
	Browser     BrowserID  `json:"browserInstanceId,omitempty"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Metrics     TabMetrics `json:"metrics"`
	Active      bool       `json:"active"`
	ConnectedAt time.Time  `json:"connectedAt"`
	LastPing    time.Time  `json:"lastPing"`
}

// TabUpdate is a partial metadata merge applied to an existing tab session.
// Nil fields leave the current value untouched.
type TabUpdate struct {
	URL     *string
	Title   *string
	Active  *bool
	Metrics *TabMetrics
}
