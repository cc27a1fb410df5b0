package schema

import "time"

// TabEventType classifies a registry change.
type TabEventType string

const (
	// TabConnected fires when a tab agent registers.
	TabConnected TabEventType = "connected"
	// TabUpdated fires when a tab session's metadata changes.
	TabUpdated TabEventType = "updated"
	// TabRemoved fires when a tab session is destroyed.
	TabRemoved TabEventType = "removed"
)

// TabEvent describes one registry change. Tabs carries the full current
// tab list at the time of the change, so consumers can fan out snapshots
// without reading back through the registry.
type TabEvent struct {
	Type TabEventType  `json:"type"`
	Tab  TabSnapshot   `json:"tab"`
	Tabs []TabSnapshot `json:"tabs"`
}

// ConsoleEvent is a demultiplexed console/log event attributed to a tab.
type ConsoleEvent struct {
	TabID     TabID     `json:"tabId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
