package dispatch

import "time"

// Tool declares one entry in the dispatch catalog: a stable name, a
// human-readable description, and a JSON-schema-shaped parameter
// declaration that Validate enforces before anything reaches a tab agent.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Timeout overrides the correlator default for this tool. Zero means
	// the default applies. Latency-scaled tools extend this further at
	// invoke time based on their arguments.
	Timeout time.Duration
}

const (
	toolListTabs   = "browser_list_tabs"
	toolNewTab     = "browser_new_tab"
	toolNavigate   = "browser_navigate"
	toolGoBack     = "browser_go_back"
	toolGoForward  = "browser_go_forward"
	toolClick      = "browser_click"
	toolType       = "browser_type"
	toolPressKey   = "browser_press_key"
	toolWaitFor    = "browser_wait_for"
	toolQuery      = "browser_query"
	toolScreenshot = "browser_screenshot"
	toolConsole    = "browser_get_console"
	toolCloseTab   = "browser_close_tab"
)

func tabIDProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Target tab id from browser_list_tabs.",
	}
}

func selectorProperty(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": desc,
	}
}

// catalog returns the static tool declarations in listing order.
func catalog() []Tool {
	return []Tool{
		{
			Name:        toolListTabs,
			Description: "List connected browser tabs with their URLs, titles, and an automation-safety flag. Call this first to pick a target tab id.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        toolNewTab,
			Description: "Open a fresh browser window and wait for its tab to connect. Returns the new tab id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "URL to open. Defaults to the configured start page.",
					},
				},
			},
			Timeout: 20 * time.Second,
		},
		{
			Name:        toolNavigate,
			Description: "Navigate a tab to a URL and wait for the load to settle.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId": tabIDProperty(),
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute URL to navigate to.",
					},
				},
				"required": []string{"tabId", "url"},
			},
		},
		{
			Name:        toolGoBack,
			Description: "Go back one entry in the tab's history.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId": tabIDProperty(),
				},
				"required": []string{"tabId"},
			},
		},
		{
			Name:        toolGoForward,
			Description: "Go forward one entry in the tab's history.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId": tabIDProperty(),
				},
				"required": []string{"tabId"},
			},
		},
		{
			Name:        toolClick,
			Description: "Click the first element matching a CSS selector.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId":    tabIDProperty(),
					"selector": selectorProperty("Standard CSS selector of the element to click."),
				},
				"required": []string{"tabId", "selector"},
			},
		},
		{
			Name:        toolType,
			Description: "Type text into the first element matching a CSS selector, with a per-keystroke delay.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId":    tabIDProperty(),
					"selector": selectorProperty("Standard CSS selector of the input element."),
					"text": map[string]any{
						"type":        "string",
						"description": "Text to type.",
					},
					"delay": map[string]any{
						"type":        "integer",
						"description": "Milliseconds between keystrokes. Default 50.",
					},
				},
				"required": []string{"tabId", "selector", "text"},
			},
		},
		{
			Name:        toolPressKey,
			Description: "Press a single key, optionally focused on a selector first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId":    tabIDProperty(),
					"key": map[string]any{
						"type":        "string",
						"description": "Key name, e.g. Enter, Tab, ArrowDown.",
					},
					"selector": selectorProperty("Optional CSS selector to focus before the keypress."),
					"delay": map[string]any{
						"type":        "integer",
						"description": "Milliseconds to hold before release. Default 0.",
					},
				},
				"required": []string{"tabId", "key"},
			},
		},
		{
			Name:        toolWaitFor,
			Description: "Wait until an element matching a CSS selector appears in the tab.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId":    tabIDProperty(),
					"selector": selectorProperty("Standard CSS selector to wait for."),
					"timeout": map[string]any{
						"type":        "integer",
						"description": "Milliseconds to wait. Default 5000.",
					},
				},
				"required": []string{"tabId", "selector"},
			},
		},
		{
			Name:        toolQuery,
			Description: "Query the tab's DOM with a CSS selector and return matching elements.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId":    tabIDProperty(),
					"selector": selectorProperty("Standard CSS selector to query."),
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum matches to return. Default 20.",
					},
				},
				"required": []string{"tabId", "selector"},
			},
		},
		{
			Name:        toolScreenshot,
			Description: "Capture a screenshot of the tab. The image is returned as a separate content part, not inline JSON.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId": tabIDProperty(),
					"fullPage": map[string]any{
						"type":        "boolean",
						"description": "Capture the full page instead of the viewport.",
					},
				},
				"required": []string{"tabId"},
			},
			Timeout: 15 * time.Second,
		},
		{
			Name:        toolConsole,
			Description: "Fetch recent console output captured in the tab.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId": tabIDProperty(),
					"level": map[string]any{
						"type":        "string",
						"description": "Minimum level to include.",
						"enum":        []string{"debug", "info", "warn", "error"},
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum entries to return. Default 100.",
					},
				},
				"required": []string{"tabId"},
			},
		},
		{
			Name:        toolCloseTab,
			Description: "Close a tab.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tabId": tabIDProperty(),
				},
				"required": []string{"tabId"},
			},
		},
	}
}
