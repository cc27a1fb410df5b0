package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/schema"
)

// A 1x1 transparent PNG, enough for screenshot round-trips.
const simPixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

func newAgentSimCmd() *cobra.Command {
	var brokerURL string
	var page string
	var title string
	var browserID string
	var active bool
	var tabs int
	var pingInterval time.Duration
	var consoleEvery time.Duration
	cmd := &cobra.Command{
		Use:   "agent-sim",
		Short: "Run simulated tab agents against a broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if tabs < 1 {
				tabs = 1
			}
			if browserID == "" {
				browserID = uuid.NewString()
			}
			errCh := make(chan error, tabs)
			for i := 0; i < tabs; i++ {
				sim := &agentSim{
					brokerURL:    brokerURL,
					page:         page,
					title:        title,
					browserID:    schema.BrowserID(browserID),
					active:       active && i == 0,
					pingInterval: pingInterval,
					consoleEvery: consoleEvery,
					log:          pslog.Ctx(ctx),
				}
				go func() { errCh <- sim.run(ctx) }()
			}
			var firstErr error
			for i := 0; i < tabs; i++ {
				if err := <-errCh; err != nil && firstErr == nil {
					firstErr = err
					stop()
				}
			}
			return firstErr
		},
	}
	cmd.Flags().StringVarP(&brokerURL, "broker", "b", "ws://127.0.0.1:3333/agent", "broker agent endpoint")
	cmd.Flags().StringVar(&page, "page", "https://example.org/", "initial page url")
	cmd.Flags().StringVar(&title, "title", "Example Domain", "initial page title")
	cmd.Flags().StringVar(&browserID, "browser-id", "", "browser instance id (default random)")
	cmd.Flags().BoolVar(&active, "active", true, "register the first tab as focused")
	cmd.Flags().IntVar(&tabs, "tabs", 1, "number of simulated tabs")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", 20*time.Second, "heartbeat interval")
	cmd.Flags().DurationVar(&consoleEvery, "console-every", 0, "emit a console event at this interval (0 disables)")
	return cmd
}

type agentSim struct {
	brokerURL    string
	page         string
	title        string
	browserID    schema.BrowserID
	active       bool
	pingInterval time.Duration
	consoleEvery time.Duration
	log          pslog.Logger

	tabID schema.TabID

	mu  sync.Mutex
	ws  *websocket.Conn
	url string
}

func (s *agentSim) run(ctx context.Context) error {
	s.tabID = schema.TabID(uuid.NewString())
	if s.browserID == "" {
		s.browserID = schema.BrowserID(uuid.NewString())
	}
	s.url = s.page
	log := s.log.With("tab", s.tabID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, s.brokerURL, nil)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", s.brokerURL, err)
	}
	s.ws = ws
	defer ws.Close()

	if err := s.write(schema.RegisterMessage{
		Type:    schema.MessageRegister,
		TabID:   s.tabID,
		Browser: s.browserID,
		URL:     s.url,
		Title:   s.title,
		Active:  s.active,
		TabMetrics: schema.TabMetrics{
			DOMNodes:       420,
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
	}); err != nil {
		return err
	}
	log.Info("agent registered", "url", s.url, "browser", s.browserID)

	go s.heartbeat(ctx)
	if s.consoleEvery > 0 {
		go s.chatter(ctx)
	}
	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}()

	for {
		var cmd schema.CommandMessage
		if err := ws.ReadJSON(&cmd); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}
		log.Info("command received", "command", cmd.Command, "command_id", cmd.ID)
		if err := s.write(s.execute(cmd)); err != nil {
			return err
		}
		if cmd.Command == "close_tab" {
			log.Info("tab closed by broker")
			return nil
		}
	}
}

// execute fabricates a plausible response for each supported command.
func (s *agentSim) execute(cmd schema.CommandMessage) schema.ResponseMessage {
	resp := schema.ResponseMessage{
		ID:      cmd.ID,
		Type:    schema.MessageResponse,
		Success: true,
	}
	var params map[string]any
	if len(cmd.Params) > 0 {
		_ = json.Unmarshal(cmd.Params, &params)
	}
	switch cmd.Command {
	case "navigate":
		target, _ := params["url"].(string)
		if _, err := url.Parse(target); err != nil || target == "" {
			resp.Success = false
			resp.Error = &schema.AgentError{Message: fmt.Sprintf("cannot navigate to %q", target)}
			return resp
		}
		s.mu.Lock()
		s.url = target
		s.mu.Unlock()
		resp.URL = target
		resp.Title = pageTitle(target)
	case "go_back", "go_forward":
		s.mu.Lock()
		current := s.url
		s.mu.Unlock()
		resp.URL = current
		resp.Title = pageTitle(current)
	case "screenshot":
		resp.Result = mustJSON(map[string]any{"data": simPixelPNG, "mimeType": "image/png"})
	case "query":
		selector, _ := params["selector"].(string)
		resp.Result = mustJSON(map[string]any{
			"matches": []map[string]any{{"selector": selector, "text": "Example Domain", "visible": true}},
		})
	case "get_console":
		resp.Result = mustJSON(map[string]any{
			"entries": []map[string]any{{"level": "log", "message": "simulated console line"}},
		})
	case "click", "type", "press_key", "wait_for", "close_tab":
		// Acknowledge without side effects.
	default:
		resp.Success = false
		resp.Error = &schema.AgentError{Message: "unsupported command: " + cmd.Command, Code: "unsupported"}
	}
	return resp
}

func (s *agentSim) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.write(schema.PingMessage{Type: schema.MessagePing, TabID: s.tabID})
		}
	}
}

func (s *agentSim) chatter(ctx context.Context) {
	ticker := time.NewTicker(s.consoleEvery)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			_ = s.write(schema.ConsoleMessage{
				Type:    schema.MessageConsole,
				TabID:   s.tabID,
				Level:   "log",
				Message: fmt.Sprintf("simulated console line %d", n),
			})
		}
	}
}

func (s *agentSim) write(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(msg)
}

func pageTitle(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return strings.TrimPrefix(parsed.Host, "www.")
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
