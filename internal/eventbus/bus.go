package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTab carries tab registry lifecycle changes.
	EventTab EventType = "tab"
	// EventConsole carries console/log output from a tab agent.
	EventConsole EventType = "console"
)

// Event represents a broker-internal event fanned out to subscribers.
type Event struct {
	Type    EventType
	Tab     schema.TabEvent
	Console schema.ConsoleEvent
}

// Bus fans out registry and console events to subscribers. Publishing
// never blocks; a subscriber that falls behind loses events.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber and returns a channel + cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "subs", count)
	}
	return ch, func() {
		// Close under the lock so a concurrent publish cannot send on
		// a channel that is already closed.
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
		if b.log != nil {
			b.log.Debug("eventbus unsubscribe")
		}
	}
}

// OnTabEvent publishes a tab registry event.
func (b *Bus) OnTabEvent(event schema.TabEvent) {
	b.publish(Event{Type: EventTab, Tab: event})
}

// OnConsole publishes a console event.
func (b *Bus) OnConsole(event schema.ConsoleEvent) {
	b.publish(Event{Type: EventConsole, Console: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	// Sends stay under the lock: they never block, and holding the
	// lock keeps a concurrent unsubscribe from closing a channel
	// mid-fanout.
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.Trace("eventbus dropped", "type", event.Type, "count", dropped)
	}
}
