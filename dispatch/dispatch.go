// Package dispatch validates tool calls, applies per-tool timeout policy,
// and routes them to tab agents through the command executor. It is the
// only layer that knows individual tools; everything below it sees opaque
// command envelopes.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

// CommandExecutor is the correlator capability the dispatcher depends on.
type CommandExecutor interface {
	Execute(ctx context.Context, tabID schema.TabID, command string, params json.RawMessage, timeout time.Duration) (schema.ResponseMessage, error)
}

// TabReader is the registry read view the dispatcher depends on.
type TabReader interface {
	List() []schema.TabSnapshot
	Get(tabID schema.TabID) (schema.TabSnapshot, bool)
	Active() (schema.TabSnapshot, bool)
}

// Content is one typed part of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the settled outcome of a tool invocation. IsError marks
// agent-reported execution failures, relayed verbatim; broker-side faults
// are returned as Go errors instead.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Config tunes dispatch policy.
type Config struct {
	// DefaultTimeout bounds tools without their own override.
	DefaultTimeout time.Duration
	// DeniedHosts are hostname suffixes never safe for automation.
	DeniedHosts []string
	// StartPage opens in freshly spawned windows when the caller gives no URL.
	StartPage string
	// LaunchWait bounds how long a spawned window may take to register.
	LaunchWait time.Duration
	// LaunchPoll is the registry poll interval while waiting for it.
	LaunchPoll time.Duration
}

// Hostnames of chat clients a caller is likely driving the broker from.
// Automating those would hijack the caller's own session.
var defaultDeniedHosts = []string{
	"chatgpt.com",
	"chat.openai.com",
	"claude.ai",
	"gemini.google.com",
	"perplexity.ai",
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if len(c.DeniedHosts) == 0 {
		c.DeniedHosts = defaultDeniedHosts
	}
	if c.StartPage == "" {
		c.StartPage = "https://example.org/"
	}
	if c.LaunchWait <= 0 {
		c.LaunchWait = 15 * time.Second
	}
	if c.LaunchPoll <= 0 {
		c.LaunchPoll = 250 * time.Millisecond
	}
	return c
}

// Dispatcher implements the tool surface.
type Dispatcher struct {
	cfg   Config
	exec  CommandExecutor
	tabs  TabReader
	log   pslog.Logger
	tools []Tool
	index map[string]Tool
	// launch spawns a browser window; injectable for tests.
	launch func(ctx context.Context, target string) error
}

// New constructs a Dispatcher.
func New(cfg Config, exec CommandExecutor, tabs TabReader, logger pslog.Logger) *Dispatcher {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	tools := catalog()
	index := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		index[tool.Name] = tool
	}
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		exec:   exec,
		tabs:   tabs,
		log:    logger,
		tools:  tools,
		index:  index,
		launch: launchBrowser,
	}
}

// ListTools returns the declared catalog in stable order.
func (d *Dispatcher) ListTools() []Tool {
	return d.tools
}

// Invoke validates args against the named tool's schema and executes it.
// Unknown tools and malformed arguments are rejected before dispatch.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	tool, ok := d.index[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", schema.ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(tool, args); err != nil {
		return Result{}, err
	}
	log := logx.Ctx(ctx).With("tool", name)
	log.Debug("dispatch invoke", "args", len(args))

	switch tool.Name {
	case toolListTabs:
		return d.listTabs(ctx)
	case toolNewTab:
		return d.newTab(ctx, args)
	}
	return d.remote(ctx, tool, args)
}

// remote is the generic path: strip the catalog prefix, forward the
// remaining arguments as the command parameter bag.
func (d *Dispatcher) remote(ctx context.Context, tool Tool, args map[string]any) (Result, error) {
	tabID := schema.TabID(stringArg(args, "tabId"))
	params := make(map[string]any, len(args))
	for key, value := range args {
		if key != "tabId" {
			params[key] = value
		}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Result{}, err
	}
	command := strings.TrimPrefix(tool.Name, "browser_")
	timeout := d.effectiveTimeout(tool, args)

	resp, err := d.exec.Execute(ctx, tabID, command, raw, timeout)
	if err != nil {
		return Result{}, err
	}
	if !resp.Success {
		message := "command failed"
		if resp.Error != nil {
			message = resp.Error.Error()
		}
		return Result{IsError: true, Content: []Content{{Type: "text", Text: message}}}, nil
	}
	if tool.Name == toolScreenshot {
		return splitCapture(resp.Result)
	}
	text := "ok"
	if len(resp.Result) > 0 {
		text = string(resp.Result)
	}
	return Result{Content: []Content{{Type: "text", Text: text}}}, nil
}

// effectiveTimeout never returns a deadline shorter than the operation's
// own declared duration plus fixed overhead.
func (d *Dispatcher) effectiveTimeout(tool Tool, args map[string]any) time.Duration {
	base := tool.Timeout
	if base <= 0 {
		base = d.cfg.DefaultTimeout
	}
	const overhead = 5 * time.Second
	var scaled time.Duration
	switch tool.Name {
	case toolType:
		delay := intArg(args, "delay", 50)
		scaled = time.Duration(delay*len(stringArg(args, "text")))*time.Millisecond + overhead
	case toolWaitFor:
		scaled = time.Duration(intArg(args, "timeout", 5000))*time.Millisecond + overhead
	case toolPressKey:
		scaled = time.Duration(intArg(args, "delay", 0))*time.Millisecond + overhead
	}
	if scaled > base {
		return scaled
	}
	return base
}

type tabListing struct {
	ID                schema.TabID `json:"id"`
	Browser           schema.BrowserID `json:"browserInstanceId,omitempty"`
	URL               string `json:"url"`
	Title             string `json:"title"`
	Active            bool   `json:"active"`
	SafeForAutomation bool   `json:"safeForAutomation"`
	Hint              string `json:"hint,omitempty"`
}

// listTabs reconciles the registry view with one live query per browser
// instance and annotates each tab with its automation-safety flag.
func (d *Dispatcher) listTabs(ctx context.Context) (Result, error) {
	tabs := d.tabs.List()
	live := d.liveTabs(ctx, tabs)

	listings := make([]tabListing, 0, len(tabs))
	var safeFallback *tabListing
	for _, tab := range tabs {
		url, title := tab.URL, tab.Title
		if refreshed, ok := live[tab.ID]; ok {
			if refreshed.URL != "" {
				url = refreshed.URL
			}
			if refreshed.Title != "" {
				title = refreshed.Title
			}
		}
		listing := tabListing{
			ID:                tab.ID,
			Browser:           tab.Browser,
			URL:               url,
			Title:             title,
			Active:            tab.Active,
			SafeForAutomation: !d.denied(url),
		}
		listings = append(listings, listing)
		if listing.SafeForAutomation && safeFallback == nil {
			fallback := listing
			safeFallback = &fallback
		}
	}
	for i := range listings {
		if !listings[i].SafeForAutomation {
			if safeFallback != nil {
				listings[i].Hint = fmt.Sprintf("this looks like the caller's own chat client; automate tab %s (%s) instead", safeFallback.ID, safeFallback.URL)
			} else {
				listings[i].Hint = "this looks like the caller's own chat client; open a new tab with browser_new_tab instead"
			}
		}
	}

	payload := map[string]any{"tabs": listings}
	if active, ok := d.tabs.Active(); ok {
		payload["activeTab"] = active.ID
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{}, err
	}
	return Result{Content: []Content{{Type: "text", Text: string(data)}}}, nil
}

// liveTabs asks one representative agent per browser instance for its
// current view. Failures degrade to registry data; listing tabs must not
// fail because one browser is slow.
func (d *Dispatcher) liveTabs(ctx context.Context, tabs []schema.TabSnapshot) map[schema.TabID]tabListing {
	reps := make(map[schema.BrowserID]schema.TabID)
	for _, tab := range tabs {
		if _, seen := reps[tab.Browser]; !seen {
			reps[tab.Browser] = tab.ID
		}
	}
	refreshed := make(map[schema.TabID]tabListing)
	for browser, rep := range reps {
		resp, err := d.exec.Execute(ctx, rep, "list_tabs", nil, 3*time.Second)
		if err != nil || !resp.Success {
			d.log.Debug("live tab query skipped", "browser", browser, "tab", rep, "err", err)
			continue
		}
		var result struct {
			Tabs []tabListing `json:"tabs"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			d.log.Debug("live tab query malformed", "browser", browser, "err", err)
			continue
		}
		for _, tab := range result.Tabs {
			refreshed[tab.ID] = tab
		}
	}
	return refreshed
}

func (d *Dispatcher) denied(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, deniedHost := range d.cfg.DeniedHosts {
		deniedHost = strings.ToLower(deniedHost)
		if host == deniedHost || strings.HasSuffix(host, "."+deniedHost) {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return value
}

func intArg(args map[string]any, key string, fallback int) int {
	switch value := args[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return fallback
	}
}
