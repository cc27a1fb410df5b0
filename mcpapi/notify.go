package mcpapi

import (
	"context"

	"pkt.systems/tabmux/internal/eventbus"
	"pkt.systems/tabmux/internal/logx"
	"pkt.systems/tabmux/schema"
)

const (
	methodTabsChanged  = "notifications/tabs/changed"
	methodConsoleEvent = "notifications/console"
)

// StartNotifier fans registry and console events out to every client
// session until ctx is done. Sessions that have not completed the
// handshake receive nothing; delivery is handled per session state.
func (s *Server) StartNotifier(ctx context.Context, bus *eventbus.Bus) {
	events, cancel := bus.Subscribe()
	go func() {
		defer cancel()
		log := logx.Ctx(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				n, drop := translateEvent(event)
				if drop {
					continue
				}
				s.broadcast(n)
				log.Trace("notification fanned out", "method", n.Method)
			}
		}
	}()
}

func translateEvent(event eventbus.Event) (notification, bool) {
	switch event.Type {
	case eventbus.EventTab:
		return notification{
			Method: methodTabsChanged,
			Params: tabsChangedParams{
				Change: event.Tab.Type,
				Tabs:   event.Tab.Tabs,
			},
		}, false
	case eventbus.EventConsole:
		return notification{
			Method: methodConsoleEvent,
			Params: event.Console,
		}, false
	default:
		return notification{}, true
	}
}

// tabsChangedParams snapshots the full tab list so clients never need a
// follow-up query to learn the new state.
type tabsChangedParams struct {
	Change schema.TabEventType  `json:"change"`
	Tabs   []schema.TabSnapshot `json:"tabs"`
}

func (s *Server) broadcast(n notification) {
	s.sessions.each(func(sess *session) {
		sess.deliver(n)
	})
}
